package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/internal/eip3009"
)

const (
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
	testNonce = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

func testRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:      SchemeExact,
		Network:     x402.NetworkBaseSepolia,
		Amount:      "10000",
		Asset:       testAsset,
		PayTo:       testPayTo,
		Resource:    "/api/data",
		Nonce:       testNonce,
		ValidAfter:  1_700_000_000,
		ValidBefore: 1_700_000_300,
	}
}

// signPayload builds a payment payload whose authorization mirrors the
// requirements, signed by key.
func signPayload(t *testing.T, key *ecdsa.PrivateKey, requirements x402.PaymentRequirements) x402.PaymentPayload {
	t.Helper()

	from := crypto.PubkeyToAddress(key.PublicKey)
	auth := x402.EVMAuthorization{
		From:        from.Hex(),
		To:          requirements.PayTo,
		Value:       requirements.Amount,
		ValidAfter:  "1700000000",
		ValidBefore: "1700000300",
		Nonce:       requirements.Nonce,
	}

	typedAuth, err := toTypedAuthorization(auth)
	if err != nil {
		t.Fatalf("toTypedAuthorization error = %v", err)
	}

	config, err := x402.GetChainConfig(requirements.Network)
	if err != nil {
		t.Fatalf("GetChainConfig error = %v", err)
	}

	signature, err := eip3009.SignAuthorization(key,
		common.HexToAddress(requirements.Asset),
		big.NewInt(x402.ChainID(requirements.Network)),
		typedAuth, config.EIP3009Name, config.EIP3009Version)
	if err != nil {
		t.Fatalf("SignAuthorization error = %v", err)
	}

	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Accepted:    requirements,
		Payload: x402.EVMPayload{
			Signature:     signature,
			Authorization: auth,
		},
	}
}

func TestVerifySignatureValid(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error = %v", err)
	}
	requirements := testRequirements()
	payload := signPayload(t, key, requirements)

	s := NewExactScheme()
	payer, err := s.VerifySignature(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("VerifySignature error = %v", err)
	}

	want := crypto.PubkeyToAddress(key.PublicKey).Hex()
	if payer != want {
		t.Errorf("payer = %s; want %s", payer, want)
	}
}

func TestVerifySignatureMismatches(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error = %v", err)
	}

	tests := []struct {
		name       string
		mutate     func(*x402.EVMPayload)
		wantReason string
	}{
		{"MissingSignature", func(p *x402.EVMPayload) {
			p.Signature = ""
		}, x402.ReasonSignatureInvalid},
		{"WrongRecipient", func(p *x402.EVMPayload) {
			p.Authorization.To = "0x0000000000000000000000000000000000000001"
		}, x402.ReasonRecipientMismatch},
		{"WrongAmount", func(p *x402.EVMPayload) {
			p.Authorization.Value = "10001"
		}, x402.ReasonAmountMismatch},
		{"WrongNonce", func(p *x402.EVMPayload) {
			p.Authorization.Nonce = "0x2222222222222222222222222222222222222222222222222222222222222222"
		}, x402.ReasonNonceMismatch},
		{"WrongValidity", func(p *x402.EVMPayload) {
			p.Authorization.ValidBefore = "1700009999"
		}, x402.ReasonMalformedPayload},
		{"TamperedSignature", func(p *x402.EVMPayload) {
			p.Signature = "0x" + strings.Repeat("11", 65)
		}, x402.ReasonSignatureInvalid},
	}

	s := NewExactScheme()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requirements := testRequirements()
			payload := signPayload(t, key, requirements)

			evmPayload := payload.Payload.(x402.EVMPayload)
			tt.mutate(&evmPayload)
			payload.Payload = evmPayload

			_, err := s.VerifySignature(context.Background(), payload, requirements)
			if err == nil {
				t.Fatal("expected verification failure")
			}

			var verifyErr *x402.VerifyError
			if !errors.As(err, &verifyErr) {
				t.Fatalf("error %T is not a VerifyError", err)
			}
			if verifyErr.Reason != tt.wantReason {
				t.Errorf("reason = %s; want %s", verifyErr.Reason, tt.wantReason)
			}
		})
	}
}

func TestVerifySignatureWrongSigner(t *testing.T) {
	signerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error = %v", err)
	}

	requirements := testRequirements()
	payload := signPayload(t, signerKey, requirements)

	// Claim the authorization came from a different account than the one
	// that signed it.
	evmPayload := payload.Payload.(x402.EVMPayload)
	evmPayload.Authorization.From = "0x0000000000000000000000000000000000000002"
	payload.Payload = evmPayload

	s := NewExactScheme()
	if _, err := s.VerifySignature(context.Background(), payload, requirements); err == nil {
		t.Fatal("expected verification failure for mismatched signer")
	}
}

func TestBuildSettlementCall(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error = %v", err)
	}
	requirements := testRequirements()
	payload := signPayload(t, key, requirements)

	s := NewExactScheme()
	call, err := s.BuildSettlementCall(payload, requirements)
	if err != nil {
		t.Fatalf("BuildSettlementCall error = %v", err)
	}

	if call.Network != requirements.Network {
		t.Errorf("Network = %s; want %s", call.Network, requirements.Network)
	}
	if call.ContractCall == nil {
		t.Fatal("ContractCall is nil")
	}
	if !strings.EqualFold(call.ContractCall.To, requirements.Asset) {
		t.Errorf("To = %s; want %s", call.ContractCall.To, requirements.Asset)
	}

	// 4-byte selector plus nine 32-byte arguments.
	if len(call.ContractCall.Data) != 4+9*32 {
		t.Errorf("calldata length = %d; want %d", len(call.ContractCall.Data), 4+9*32)
	}
}

func TestPayloadFromAnyMap(t *testing.T) {
	raw := map[string]interface{}{
		"signature": "0xabc",
		"authorization": map[string]interface{}{
			"from":        testPayTo,
			"to":          testPayTo,
			"value":       "10000",
			"validAfter":  "1700000000",
			"validBefore": "1700000300",
			"nonce":       testNonce,
		},
	}

	payload, err := PayloadFromAny(raw)
	if err != nil {
		t.Fatalf("PayloadFromAny error = %v", err)
	}
	if payload.Signature != "0xabc" {
		t.Errorf("Signature = %s; want 0xabc", payload.Signature)
	}
	if payload.Authorization.Value != "10000" {
		t.Errorf("Value = %s; want 10000", payload.Authorization.Value)
	}

	if _, err := PayloadFromAny(map[string]interface{}{"signature": "0xabc"}); err == nil {
		t.Error("expected error for payload without authorization")
	}
}
