// Package eip3009 implements the EIP-712 typed-data handling for EIP-3009
// transferWithAuthorization payloads: digest construction, signing, and
// signer recovery.
package eip3009

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Authorization holds the transferWithAuthorization parameters that the
// payer attests to.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// typedData builds the EIP-712 payload for a TransferWithAuthorization
// message bound to a specific token contract and chain.
func typedData(tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: tokenAddress.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}
}

// Digest computes the EIP-712 signing digest for the authorization.
func Digest(tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) ([]byte, error) {
	td := typedData(tokenAddress, chainID, auth, name, version)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := td.HashStruct("TransferWithAuthorization", td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// SignAuthorization produces a 0x-prefixed 65-byte signature over the
// authorization digest with the EIP-155 legacy recovery offset applied.
func SignAuthorization(privateKey *ecdsa.PrivateKey, tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) (string, error) {
	digest, err := Digest(tokenAddress, chainID, auth, name, version)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}

	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// RecoverSigner recovers the address that produced the signature over the
// authorization digest. The signature must be 65 bytes with v in {27, 28}
// (the legacy offset is stripped before recovery).
func RecoverSigner(signature []byte, tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}

	digest, err := Digest(tokenAddress, chainID, auth, name, version)
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifySignature reports whether the signature over the authorization
// digest was produced by the authorization's From address.
func VerifySignature(signature []byte, tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) (bool, error) {
	recovered, err := RecoverSigner(signature, tokenAddress, chainID, auth, name, version)
	if err != nil {
		return false, err
	}
	return bytes.Equal(recovered.Bytes(), auth.From.Bytes()), nil
}

// HexToBytes decodes a hex string with or without 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
