package eip3009

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func testAuthorization(from common.Address) *Authorization {
	var nonce [32]byte
	copy(nonce[:], []byte("test-nonce-for-round-trip-check!"))
	return &Authorization{
		From:        from,
		To:          common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"),
		Value:       big.NewInt(10_000),
		ValidAfter:  big.NewInt(1_700_000_000),
		ValidBefore: big.NewInt(1_700_000_300),
		Nonce:       nonce,
	}
}

func TestSignAndRecoverRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error = %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	token := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	chainID := big.NewInt(84532)
	auth := testAuthorization(from)

	sigHex, err := SignAuthorization(key, token, chainID, auth, "USDC", "2")
	if err != nil {
		t.Fatalf("SignAuthorization error = %v", err)
	}
	if !strings.HasPrefix(sigHex, "0x") || len(sigHex) != 2+65*2 {
		t.Fatalf("signature %q has unexpected format", sigHex)
	}

	sig, err := HexToBytes(sigHex)
	if err != nil {
		t.Fatalf("HexToBytes error = %v", err)
	}

	recovered, err := RecoverSigner(sig, token, chainID, auth, "USDC", "2")
	if err != nil {
		t.Fatalf("RecoverSigner error = %v", err)
	}
	if recovered != from {
		t.Errorf("recovered = %s; want %s", recovered.Hex(), from.Hex())
	}

	ok, err := VerifySignature(sig, token, chainID, auth, "USDC", "2")
	if err != nil {
		t.Fatalf("VerifySignature error = %v", err)
	}
	if !ok {
		t.Error("VerifySignature = false; want true")
	}
}

func TestRecoverRejectsTamperedAuthorization(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error = %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	token := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	chainID := big.NewInt(84532)
	auth := testAuthorization(from)

	sigHex, err := SignAuthorization(key, token, chainID, auth, "USDC", "2")
	if err != nil {
		t.Fatalf("SignAuthorization error = %v", err)
	}
	sig, err := HexToBytes(sigHex)
	if err != nil {
		t.Fatalf("HexToBytes error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Authorization)
	}{
		{"Value", func(a *Authorization) { a.Value = big.NewInt(20_000) }},
		{"Recipient", func(a *Authorization) { a.To = common.HexToAddress("0x0000000000000000000000000000000000000001") }},
		{"ValidBefore", func(a *Authorization) { a.ValidBefore = big.NewInt(1_700_009_999) }},
		{"Nonce", func(a *Authorization) { a.Nonce[0] ^= 0xff }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := *auth
			tt.mutate(&tampered)

			ok, err := VerifySignature(sig, token, chainID, &tampered, "USDC", "2")
			if err != nil {
				t.Fatalf("VerifySignature error = %v", err)
			}
			if ok {
				t.Error("tampered authorization verified")
			}
		})
	}
}

func TestHexToBytes(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
		wantErr bool
	}{
		{"WithPrefix", "0xdeadbeef", 4, false},
		{"WithoutPrefix", "deadbeef", 4, false},
		{"OddLength", "0xabc", 0, true},
		{"NotHex", "0xzzzz", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HexToBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HexToBytes(%q) error = %v; wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && len(got) != tt.wantLen {
				t.Errorf("len = %d; want %d", len(got), tt.wantLen)
			}
		})
	}
}
