package svm

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/internal/solanautil"
)

var (
	testFeePayer = solana.NewWallet()
	testPayer    = solana.NewWallet()
	testMint     = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testPayTo    = solana.NewWallet().PublicKey()
)

func testRequirements(t *testing.T) x402.PaymentRequirements {
	t.Helper()
	return x402.PaymentRequirements{
		Scheme:      SchemeExact,
		Network:     x402.NetworkSolanaDevnet,
		Amount:      "10000",
		Asset:       testMint.String(),
		PayTo:       testPayTo.String(),
		Resource:    "/api/data",
		Nonce:       "0x1111111111111111111111111111111111111111111111111111111111111111",
		ValidAfter:  1_700_000_000,
		ValidBefore: 1_700_000_300,
	}
}

type txOptions struct {
	amount           uint64
	destination      solana.PublicKey
	authority        solana.PrivateKey
	computeUnitPrice uint64
	skipClientSig    bool
	dropComputeBudget bool
}

func defaultTxOptions(t *testing.T) txOptions {
	t.Helper()
	destination, err := solanautil.DeriveAssociatedTokenAddress(testPayTo, testMint)
	if err != nil {
		t.Fatalf("DeriveAssociatedTokenAddress error = %v", err)
	}
	return txOptions{
		amount:           10_000,
		destination:      destination,
		authority:        testPayer.PrivateKey,
		computeUnitPrice: solanautil.DefaultComputeUnitPrice,
	}
}

// buildPayload assembles a partially signed settlement transaction the
// way a paying client would.
func buildPayload(t *testing.T, opts txOptions) x402.PaymentPayload {
	t.Helper()

	authorityPub := opts.authority.PublicKey()
	source, err := solanautil.DeriveAssociatedTokenAddress(authorityPub, testMint)
	if err != nil {
		t.Fatalf("DeriveAssociatedTokenAddress error = %v", err)
	}

	var instructions []solana.Instruction
	if !opts.dropComputeBudget {
		instructions = append(instructions,
			solanautil.BuildSetComputeUnitLimitInstruction(solanautil.DefaultComputeUnits),
			solanautil.BuildSetComputeUnitPriceInstruction(opts.computeUnitPrice),
		)
	}
	instructions = append(instructions, solanautil.BuildTransferCheckedInstruction(
		source, testMint, opts.destination, authorityPub, opts.amount, 6))

	tx, err := solana.NewTransaction(
		instructions,
		solana.Hash(testMint),
		solana.TransactionPayer(testFeePayer.PublicKey()),
	)
	if err != nil {
		t.Fatalf("NewTransaction error = %v", err)
	}

	if !opts.skipClientSig {
		if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(authorityPub) {
				return &opts.authority
			}
			return nil
		}); err != nil {
			t.Fatalf("PartialSign error = %v", err)
		}
	}

	encoded, err := solanautil.EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("EncodeTransaction error = %v", err)
	}

	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Payload:     x402.SVMPayload{Transaction: encoded},
	}
}

func TestVerifySignatureValid(t *testing.T) {
	requirements := testRequirements(t)
	payload := buildPayload(t, defaultTxOptions(t))

	s := NewExactScheme(testFeePayer.PublicKey())
	payer, err := s.VerifySignature(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("VerifySignature error = %v", err)
	}
	if payer != testPayer.PublicKey().String() {
		t.Errorf("payer = %s; want %s", payer, testPayer.PublicKey())
	}
}

func TestVerifySignatureRejections(t *testing.T) {
	tests := []struct {
		name       string
		options    func(t *testing.T) txOptions
		wantReason string
	}{
		{"WrongAmount", func(t *testing.T) txOptions {
			opts := defaultTxOptions(t)
			opts.amount = 9_999
			return opts
		}, x402.ReasonAmountMismatch},
		{"WrongDestination", func(t *testing.T) txOptions {
			opts := defaultTxOptions(t)
			other, err := solanautil.DeriveAssociatedTokenAddress(solana.NewWallet().PublicKey(), testMint)
			if err != nil {
				t.Fatalf("DeriveAssociatedTokenAddress error = %v", err)
			}
			opts.destination = other
			return opts
		}, x402.ReasonRecipientMismatch},
		{"MissingClientSignature", func(t *testing.T) txOptions {
			opts := defaultTxOptions(t)
			opts.skipClientSig = true
			return opts
		}, x402.ReasonSignatureInvalid},
		{"NoComputeBudget", func(t *testing.T) txOptions {
			opts := defaultTxOptions(t)
			opts.dropComputeBudget = true
			return opts
		}, x402.ReasonMalformedPayload},
		{"ComputePriceOverCap", func(t *testing.T) txOptions {
			opts := defaultTxOptions(t)
			opts.computeUnitPrice = solanautil.MaxComputeUnitPriceMicroLamports + 1
			return opts
		}, x402.ReasonMalformedPayload},
		{"FeePayerIsAuthority", func(t *testing.T) txOptions {
			opts := defaultTxOptions(t)
			opts.authority = testFeePayer.PrivateKey
			return opts
		}, x402.ReasonMalformedPayload},
	}

	s := NewExactScheme(testFeePayer.PublicKey())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requirements := testRequirements(t)
			payload := buildPayload(t, tt.options(t))

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

func TestVerifySignatureWrongMint(t *testing.T) {
	requirements := testRequirements(t)
	requirements.Asset = solana.NewWallet().PublicKey().String()

	payload := buildPayload(t, defaultTxOptions(t))

	s := NewExactScheme(testFeePayer.PublicKey())
	_, err := s.VerifySignature(context.Background(), payload, requirements)

	var verifyErr *x402.VerifyError
	if !errors.As(err, &verifyErr) {
		t.Fatalf("error %T is not a VerifyError", err)
	}
	if verifyErr.Reason != x402.ReasonAssetMismatch {
		t.Errorf("reason = %s; want %s", verifyErr.Reason, x402.ReasonAssetMismatch)
	}
}

func TestBuildSettlementCall(t *testing.T) {
	requirements := testRequirements(t)
	payload := buildPayload(t, defaultTxOptions(t))

	s := NewExactScheme(testFeePayer.PublicKey())
	call, err := s.BuildSettlementCall(payload, requirements)
	if err != nil {
		t.Fatalf("BuildSettlementCall error = %v", err)
	}
	if call.Network != requirements.Network {
		t.Errorf("Network = %s; want %s", call.Network, requirements.Network)
	}
	if len(call.Transaction) == 0 {
		t.Error("Transaction is empty")
	}

	tx, err := solanautil.DecodeTransaction(payload.Payload.(x402.SVMPayload).Transaction)
	if err != nil {
		t.Fatalf("DecodeTransaction error = %v", err)
	}
	original, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error = %v", err)
	}
	if len(call.Transaction) != len(original) {
		t.Errorf("transaction length = %d; want %d", len(call.Transaction), len(original))
	}
}
