// Package evm implements the "exact" payment scheme for account-based
// eip155 chains: EIP-712 typed-data verification of EIP-3009
// transferWithAuthorization payloads and construction of the settlement
// calldata.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/internal/eip3009"
	"github.com/mark3labs/x402-facilitator/scheme"
)

// SchemeExact is the scheme identifier served by this package.
const SchemeExact = "exact"

// transferWithAuthorizationABI covers the EIP-3009 entry point the
// settlement call targets.
const transferWithAuthorizationABI = `[{
	"name": "transferWithAuthorization",
	"type": "function",
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"outputs": []
}]`

var transferABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ExactScheme verifies and settles exact EVM payments.
type ExactScheme struct{}

// Verify that ExactScheme implements scheme.ChainScheme.
var _ scheme.ChainScheme = (*ExactScheme)(nil)

// NewExactScheme creates the exact scheme for eip155 chains.
func NewExactScheme() *ExactScheme {
	return &ExactScheme{}
}

// Scheme returns the scheme identifier.
func (s *ExactScheme) Scheme() string { return SchemeExact }

// CaipFamily returns the CAIP family pattern this scheme serves.
func (s *ExactScheme) CaipFamily() string { return "eip155:*" }

// Extra returns scheme-specific supported-kinds data. EVM needs none.
func (s *ExactScheme) Extra(_ string) map[string]interface{} { return nil }

// VerifySignature checks the EIP-3009 authorization against the
// requirements and recovers the payer from the EIP-712 signature.
// The authorization's attested fields must exactly match the challenge;
// any divergence is a verification failure, not a policy failure.
func (s *ExactScheme) VerifySignature(_ context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (string, error) {
	network := requirements.Network

	evmPayload, err := PayloadFromAny(payload.Payload)
	if err != nil {
		return "", x402.NewVerifyError(x402.ReasonMalformedPayload, "", network, err)
	}

	auth := evmPayload.Authorization
	if evmPayload.Signature == "" {
		return "", x402.NewVerifyError(x402.ReasonSignatureInvalid, auth.From, network, fmt.Errorf("missing signature"))
	}

	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return "", x402.NewVerifyError(x402.ReasonRecipientMismatch, auth.From, network, nil)
	}

	if !x402.AmountsEqual(auth.Value, requirements.Amount) {
		return "", x402.NewVerifyError(x402.ReasonAmountMismatch, auth.From, network, nil)
	}

	if !strings.EqualFold(auth.Nonce, requirements.Nonce) {
		return "", x402.NewVerifyError(x402.ReasonNonceMismatch, auth.From, network, nil)
	}

	validAfter, err1 := strconv.ParseInt(auth.ValidAfter, 10, 64)
	validBefore, err2 := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err1 != nil || err2 != nil {
		return "", x402.NewVerifyError(x402.ReasonMalformedPayload, auth.From, network, fmt.Errorf("non-numeric validity bounds"))
	}
	if validAfter != requirements.ValidAfter || validBefore != requirements.ValidBefore {
		return "", x402.NewVerifyError(x402.ReasonMalformedPayload, auth.From, network,
			fmt.Errorf("authorization validity window does not match challenge"))
	}

	name, version := eip3009Params(requirements)

	signature, err := eip3009.HexToBytes(evmPayload.Signature)
	if err != nil {
		return "", x402.NewVerifyError(x402.ReasonSignatureInvalid, auth.From, network, err)
	}

	typedAuth, err := toTypedAuthorization(auth)
	if err != nil {
		return "", x402.NewVerifyError(x402.ReasonMalformedPayload, auth.From, network, err)
	}

	chainID := big.NewInt(x402.ChainID(network))
	valid, err := eip3009.VerifySignature(signature, common.HexToAddress(requirements.Asset), chainID, typedAuth, name, version)
	if err != nil {
		return "", x402.NewVerifyError(x402.ReasonSignatureInvalid, auth.From, network, err)
	}
	if !valid {
		return "", x402.NewVerifyError(x402.ReasonSignatureInvalid, auth.From, network, nil)
	}

	return common.HexToAddress(auth.From).Hex(), nil
}

// BuildSettlementCall packs the transferWithAuthorization calldata for the
// token contract named by the requirements.
func (s *ExactScheme) BuildSettlementCall(payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*scheme.SettlementCall, error) {
	evmPayload, err := PayloadFromAny(payload.Payload)
	if err != nil {
		return nil, err
	}

	auth, err := toTypedAuthorization(evmPayload.Authorization)
	if err != nil {
		return nil, err
	}

	signature, err := eip3009.HexToBytes(evmPayload.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(signature) != 65 {
		return nil, fmt.Errorf("invalid signature length: %d", len(signature))
	}

	var r, vs [32]byte
	copy(r[:], signature[0:32])
	copy(vs[:], signature[32:64])
	v := signature[64]

	data, err := transferABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, vs)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transferWithAuthorization: %w", err)
	}

	return &scheme.SettlementCall{
		Network: requirements.Network,
		ContractCall: &scheme.EVMCall{
			To:   common.HexToAddress(requirements.Asset).Hex(),
			Data: data,
		},
	}, nil
}

func eip3009Params(requirements x402.PaymentRequirements) (name, version string) {
	if config, err := x402.GetChainConfig(requirements.Network); err == nil {
		name, version = config.EIP3009Name, config.EIP3009Version
	}
	if requirements.Extra != nil {
		if n, ok := requirements.Extra["name"].(string); ok && n != "" {
			name = n
		}
		if v, ok := requirements.Extra["version"].(string); ok && v != "" {
			version = v
		}
	}
	return name, version
}

func toTypedAuthorization(auth x402.EVMAuthorization) (*eip3009.Authorization, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := eip3009.HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("invalid authorization nonce: %s", auth.Nonce)
	}

	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	return &eip3009.Authorization{
		From:        common.HexToAddress(auth.From),
		To:          common.HexToAddress(auth.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}, nil
}

// PayloadFromAny converts a decoded JSON payload (typed struct or generic
// map) into an EVMPayload.
func PayloadFromAny(raw interface{}) (*x402.EVMPayload, error) {
	switch p := raw.(type) {
	case x402.EVMPayload:
		return &p, nil
	case *x402.EVMPayload:
		return p, nil
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid EVM payload: %w", err)
		}
		var payload x402.EVMPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("invalid EVM payload: %w", err)
		}
		if payload.Authorization.From == "" {
			return nil, fmt.Errorf("invalid EVM payload: missing authorization")
		}
		return &payload, nil
	}
}
