package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/facilitator"
	"github.com/mark3labs/x402-facilitator/internal/eip3009"
	"github.com/mark3labs/x402-facilitator/policy"
	"github.com/mark3labs/x402-facilitator/scheme"
	evmscheme "github.com/mark3labs/x402-facilitator/scheme/evm"
)

const (
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
)

type fakeChainClient struct{}

func (fakeChainClient) Submit(context.Context, *scheme.SettlementCall) (string, error) {
	return "0xdeadbeef", nil
}

func (fakeChainClient) GetStatus(context.Context, string, string) (facilitator.TxStatus, error) {
	return facilitator.TxConfirmed, nil
}

func testServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	registry := scheme.NewRegistry()
	registry.Register([]string{x402.NetworkBaseSepolia}, evmscheme.NewExactScheme())
	f := facilitator.NewFacilitator(registry,
		facilitator.WithChainClient(x402.NetworkBaseSepolia, fakeChainClient{}),
	)
	return New(f, opts...)
}

func testRequirements(t *testing.T) x402.PaymentRequirements {
	t.Helper()
	challengeNonce, err := x402.NewChallengeNonce()
	if err != nil {
		t.Fatalf("NewChallengeNonce error = %v", err)
	}
	now := time.Now().Unix()
	return x402.PaymentRequirements{
		Scheme:      "exact",
		Network:     x402.NetworkBaseSepolia,
		Amount:      "10000",
		Asset:       testAsset,
		PayTo:       testPayTo,
		Resource:    "/api/data",
		Nonce:       challengeNonce,
		ValidAfter:  now - 60,
		ValidBefore: now + 600,
	}
}

func signPayload(t *testing.T, key *ecdsa.PrivateKey, requirements x402.PaymentRequirements) x402.PaymentPayload {
	t.Helper()

	from := crypto.PubkeyToAddress(key.PublicKey)
	config, err := x402.GetChainConfig(requirements.Network)
	if err != nil {
		t.Fatalf("GetChainConfig error = %v", err)
	}

	nonceBytes, err := eip3009.HexToBytes(requirements.Nonce)
	if err != nil {
		t.Fatalf("HexToBytes error = %v", err)
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonceBytes)

	signature, err := eip3009.SignAuthorization(key,
		common.HexToAddress(requirements.Asset),
		big.NewInt(x402.ChainID(requirements.Network)),
		&eip3009.Authorization{
			From:        from,
			To:          common.HexToAddress(requirements.PayTo),
			Value:       big.NewInt(10_000),
			ValidAfter:  big.NewInt(requirements.ValidAfter),
			ValidBefore: big.NewInt(requirements.ValidBefore),
			Nonce:       nonce32,
		}, config.EIP3009Name, config.EIP3009Version)
	if err != nil {
		t.Fatalf("SignAuthorization error = %v", err)
	}

	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Accepted:    requirements,
		Payload: x402.EVMPayload{
			Signature: signature,
			Authorization: x402.EVMAuthorization{
				From:        from.Hex(),
				To:          requirements.PayTo,
				Value:       requirements.Amount,
				ValidAfter:  big.NewInt(requirements.ValidAfter).String(),
				ValidBefore: big.NewInt(requirements.ValidBefore).String(),
				Nonce:       requirements.Nonce,
			},
		},
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestVerifyEndpoint(t *testing.T) {
	key, _ := crypto.GenerateKey()
	srv := testServer(t)
	requirements := testRequirements(t)

	w := postJSON(t, srv.Handler(), "/verify", VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      signPayload(t, key, requirements),
		PaymentRequirements: requirements,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}

	var response x402.VerifyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !response.IsValid {
		t.Errorf("IsValid = false: %s (%s)", response.InvalidReason, response.InvalidMessage)
	}
	if response.Payer != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Errorf("Payer = %s; want signer address", response.Payer)
	}
}

func TestVerifyEndpointRejectsTamperedAmount(t *testing.T) {
	key, _ := crypto.GenerateKey()
	srv := testServer(t)
	requirements := testRequirements(t)
	payload := signPayload(t, key, requirements)

	// The client authorized 10000 but the requirements demand more.
	requirements.Amount = "20000"
	payload.Accepted.Amount = "20000"

	w := postJSON(t, srv.Handler(), "/verify", VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}

	var response x402.VerifyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if response.IsValid {
		t.Fatal("tampered payment accepted")
	}
	if response.InvalidReason != x402.ReasonAmountMismatch {
		t.Errorf("reason = %s; want %s", response.InvalidReason, x402.ReasonAmountMismatch)
	}
}

func TestVerifyEndpointRejectsMalformedBody(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d; want 400", w.Code)
	}
}

func TestSettleEndpoint(t *testing.T) {
	key, _ := crypto.GenerateKey()
	srv := testServer(t)
	requirements := testRequirements(t)

	w := postJSON(t, srv.Handler(), "/settle", SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      signPayload(t, key, requirements),
		PaymentRequirements: requirements,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}

	var response x402.SettleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !response.Success {
		t.Fatalf("Success = false: %s (%s)", response.ErrorReason, response.ErrorMessage)
	}
	if response.Transaction != "0xdeadbeef" {
		t.Errorf("Transaction = %s; want 0xdeadbeef", response.Transaction)
	}
}

func TestSettleEndpointEnforcesPolicy(t *testing.T) {
	groups, err := policy.Parse([]byte(`
- name: partners
  allowedCounterparties:
    - "0x0000000000000000000000000000000000000042"
`))
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	engine := policy.NewEngine(groups)

	key, _ := crypto.GenerateKey()
	srv := testServer(t, WithPolicyEngine(engine))
	requirements := testRequirements(t)

	w := postJSON(t, srv.Handler(), "/settle", SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      signPayload(t, key, requirements),
		PaymentRequirements: requirements,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d; want 403", w.Code)
	}

	var response x402.SettleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if response.Success {
		t.Fatal("disallowed counterparty settled")
	}
	if response.ErrorReason != x402.ReasonPolicyViolation {
		t.Errorf("reason = %s; want %s", response.ErrorReason, x402.ReasonPolicyViolation)
	}
}

func TestSupportedEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/supported", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}

	var response x402.SupportedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(response.Kinds) != 1 || response.Kinds[0].Network != x402.NetworkBaseSepolia {
		t.Errorf("Kinds = %+v; want single %s entry", response.Kinds, x402.NetworkBaseSepolia)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d; want 200", w.Code)
	}
}
