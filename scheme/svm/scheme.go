// Package svm implements the "exact" payment scheme for Solana chains.
//
// The signed artifact is not a detached signature but a partially signed
// transaction: the client signs an SPL TransferChecked transfer and leaves
// the fee payer slot empty for the facilitator to co-sign at settlement.
// Verification therefore decodes the transaction, pins its instruction
// shape, checks the transfer against the requirements, and verifies the
// payer's ed25519 signature over the message.
package svm

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"

	x402 "github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/internal/solanautil"
	"github.com/mark3labs/x402-facilitator/scheme"
)

// SchemeExact is the scheme identifier served by this package.
const SchemeExact = "exact"

// ExactScheme verifies and settles exact SVM payments.
type ExactScheme struct {
	feePayer solana.PublicKey
}

// Verify that ExactScheme implements scheme.ChainScheme.
var _ scheme.ChainScheme = (*ExactScheme)(nil)

// NewExactScheme creates the exact scheme for Solana chains. feePayer is
// the facilitator account that sponsors transaction fees; clients must not
// be able to move its funds.
func NewExactScheme(feePayer solana.PublicKey) *ExactScheme {
	return &ExactScheme{feePayer: feePayer}
}

// Scheme returns the scheme identifier.
func (s *ExactScheme) Scheme() string { return SchemeExact }

// CaipFamily returns the CAIP family pattern this scheme serves.
func (s *ExactScheme) CaipFamily() string { return "solana:*" }

// Extra advertises the fee payer so resource servers can embed it in the
// challenge and clients can set it as the transaction payer.
func (s *ExactScheme) Extra(_ string) map[string]interface{} {
	return map[string]interface{}{"feePayer": s.feePayer.String()}
}

// VerifySignature decodes the partially signed transaction, pins its
// instruction shape, checks the transfer against the requirements, and
// verifies the payer's ed25519 signature. Returns the payer address.
func (s *ExactScheme) VerifySignature(_ context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (string, error) {
	network := requirements.Network

	svmPayload, err := PayloadFromAny(payload.Payload)
	if err != nil {
		return "", x402.NewVerifyError(x402.ReasonMalformedPayload, "", network, err)
	}

	tx, err := solanautil.DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return "", x402.NewVerifyError(x402.ReasonMalformedPayload, "", network, err)
	}

	// compute limit + compute price + optional create-ATA + TransferChecked
	numInstructions := len(tx.Message.Instructions)
	if numInstructions != 3 && numInstructions != 4 {
		return "", x402.NewVerifyError(x402.ReasonMalformedPayload, "", network,
			fmt.Errorf("unexpected instruction count: %d", numInstructions))
	}

	if err := verifyComputeLimitInstruction(tx, tx.Message.Instructions[0]); err != nil {
		return "", x402.NewVerifyError(x402.ReasonMalformedPayload, "", network, err)
	}

	if err := verifyComputePriceInstruction(tx, tx.Message.Instructions[1]); err != nil {
		return "", x402.NewVerifyError(x402.ReasonMalformedPayload, "", network, err)
	}

	transferInst := tx.Message.Instructions[numInstructions-1]
	payer, err := s.verifyTransferInstruction(tx, transferInst, requirements)
	if err != nil {
		return "", err
	}

	if err := verifyPayerSignature(tx, payer); err != nil {
		return "", x402.NewVerifyError(x402.ReasonSignatureInvalid, payer.String(), network, err)
	}

	return payer.String(), nil
}

// BuildSettlementCall returns the raw transaction bytes for the fee payer
// to co-sign and submit.
func (s *ExactScheme) BuildSettlementCall(payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*scheme.SettlementCall, error) {
	svmPayload, err := PayloadFromAny(payload.Payload)
	if err != nil {
		return nil, err
	}

	tx, err := solanautil.DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return nil, err
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	return &scheme.SettlementCall{
		Network:     requirements.Network,
		Transaction: txBytes,
	}, nil
}

// verifyComputeLimitInstruction checks instruction 0 is SetComputeUnitLimit.
func verifyComputeLimitInstruction(tx *solana.Transaction, inst solana.CompiledInstruction) error {
	progID, err := tx.Message.Program(inst.ProgramIDIndex)
	if err != nil || !progID.Equals(solanautil.ComputeBudgetProgramID) {
		return fmt.Errorf("instruction 0 is not a compute budget instruction")
	}

	// Discriminator 2 = SetComputeUnitLimit
	if len(inst.Data) < 1 || inst.Data[0] != 2 {
		return fmt.Errorf("instruction 0 is not SetComputeUnitLimit")
	}

	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return fmt.Errorf("instruction 0 accounts unresolvable")
	}

	if _, err := computebudget.DecodeInstruction(accounts, inst.Data); err != nil {
		return fmt.Errorf("instruction 0 is malformed: %w", err)
	}

	return nil
}

// verifyComputePriceInstruction checks instruction 1 is SetComputeUnitPrice
// with a price below the fee-payer protection cap.
func verifyComputePriceInstruction(tx *solana.Transaction, inst solana.CompiledInstruction) error {
	progID, err := tx.Message.Program(inst.ProgramIDIndex)
	if err != nil || !progID.Equals(solanautil.ComputeBudgetProgramID) {
		return fmt.Errorf("instruction 1 is not a compute budget instruction")
	}

	// Discriminator 3 = SetComputeUnitPrice
	if len(inst.Data) < 1 || inst.Data[0] != 3 {
		return fmt.Errorf("instruction 1 is not SetComputeUnitPrice")
	}

	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return fmt.Errorf("instruction 1 accounts unresolvable")
	}

	decoded, err := computebudget.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return fmt.Errorf("instruction 1 is malformed: %w", err)
	}

	priceInst, ok := decoded.Impl.(*computebudget.SetComputeUnitPrice)
	if !ok {
		return fmt.Errorf("instruction 1 is not SetComputeUnitPrice")
	}
	if priceInst.MicroLamports > solanautil.MaxComputeUnitPriceMicroLamports {
		return fmt.Errorf("compute unit price %d exceeds cap", priceInst.MicroLamports)
	}

	return nil
}

// verifyTransferInstruction checks the TransferChecked instruction against
// the requirements and returns the transfer authority (the payer).
func (s *ExactScheme) verifyTransferInstruction(
	tx *solana.Transaction,
	inst solana.CompiledInstruction,
	requirements x402.PaymentRequirements,
) (solana.PublicKey, error) {
	network := requirements.Network

	progID, err := tx.Message.Program(inst.ProgramIDIndex)
	if err != nil || (progID != solana.TokenProgramID && progID != solana.Token2022ProgramID) {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonMalformedPayload, "", network,
			fmt.Errorf("transfer instruction is not a token program instruction"))
	}

	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil || len(accounts) < 4 {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonMalformedPayload, "", network,
			fmt.Errorf("transfer instruction accounts unresolvable"))
	}

	decoded, err := token.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonMalformedPayload, "", network, err)
	}

	transferChecked, ok := decoded.Impl.(*token.TransferChecked)
	if !ok {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonMalformedPayload, "", network,
			fmt.Errorf("transfer instruction is not TransferChecked"))
	}

	// TransferChecked account order: [source, mint, destination, authority, ...]
	authority := accounts[3].PublicKey
	payer := authority.String()

	// The fee payer must never be the transfer authority; the facilitator
	// would be signing away its own tokens.
	if authority.Equals(s.feePayer) {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonMalformedPayload, payer, network,
			fmt.Errorf("fee payer is the transfer authority"))
	}

	mint := accounts[1].PublicKey
	if mint.String() != requirements.Asset {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonAssetMismatch, payer, network, nil)
	}

	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonMalformedRequirements, payer, network, err)
	}

	expectedDestATA, err := solanautil.DeriveAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonRecipientMismatch, payer, network, err)
	}

	if !transferChecked.GetDestinationAccount().PublicKey.Equals(expectedDestATA) {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonRecipientMismatch, payer, network, nil)
	}

	requiredAmount, err := x402.ParseAmount(requirements.Amount)
	if err != nil {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonMalformedRequirements, payer, network, err)
	}

	if transferChecked.Amount == nil || !requiredAmount.IsUint64() || *transferChecked.Amount != requiredAmount.Uint64() {
		return solana.PublicKey{}, x402.NewVerifyError(x402.ReasonAmountMismatch, payer, network, nil)
	}

	return authority, nil
}

// verifyPayerSignature checks that the payer has signed the transaction
// message. The fee payer slot may legitimately still be empty.
func verifyPayerSignature(tx *solana.Transaction, payer solana.PublicKey) error {
	msgBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	if numSigners > len(tx.Message.AccountKeys) || numSigners > len(tx.Signatures) {
		return fmt.Errorf("malformed signature table")
	}

	for i := 0; i < numSigners; i++ {
		if !tx.Message.AccountKeys[i].Equals(payer) {
			continue
		}
		sig := tx.Signatures[i]
		if sig.IsZero() {
			return fmt.Errorf("payer signature is empty")
		}
		if !ed25519.Verify(ed25519.PublicKey(payer[:]), msgBytes, sig[:]) {
			return fmt.Errorf("payer signature does not verify")
		}
		return nil
	}

	return fmt.Errorf("payer is not among the transaction signers")
}

// PayloadFromAny converts a decoded JSON payload (typed struct or generic
// map) into an SVMPayload.
func PayloadFromAny(raw interface{}) (*x402.SVMPayload, error) {
	switch p := raw.(type) {
	case x402.SVMPayload:
		return &p, nil
	case *x402.SVMPayload:
		return p, nil
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SVM payload: %w", err)
		}
		var payload x402.SVMPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("invalid SVM payload: %w", err)
		}
		if payload.Transaction == "" {
			return nil, fmt.Errorf("invalid SVM payload: missing transaction")
		}
		return &payload, nil
	}
}
