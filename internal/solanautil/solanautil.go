// Package solanautil provides Solana-specific helpers shared by the SVM
// scheme and its settlement client: instruction building for tests and
// clients, and decoding for verification.
package solanautil

import (
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/mark3labs/x402-facilitator"
)

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// DefaultComputeUnits is the default compute unit limit for transactions.
const DefaultComputeUnits uint32 = 200_000

// DefaultComputeUnitPrice is the default compute unit price in microlamports.
const DefaultComputeUnitPrice uint64 = 10_000

// MaxComputeUnitPriceMicroLamports caps the compute unit price a client may
// request; anything higher would let a client drain the fee payer.
const MaxComputeUnitPriceMicroLamports uint64 = 5_000_000

// DecodeTransaction decodes a base64-encoded Solana transaction.
func DecodeTransaction(txBase64 string) (*solana.Transaction, error) {
	txBytes, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction base64: %w", err)
	}

	tx, err := solana.TransactionFromBytes(txBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	return tx, nil
}

// EncodeTransaction serializes a transaction to base64.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(txBytes), nil
}

// BuildTransferCheckedInstruction creates an SPL Token TransferChecked instruction.
func BuildTransferCheckedInstruction(
	source, mint, destination solana.PublicKey,
	owner solana.PublicKey,
	amount uint64,
	decimals uint8,
) solana.Instruction {
	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetDestinationAccount(destination).
		SetMintAccount(mint).
		SetOwnerAccount(owner).
		Build()
}

// BuildSetComputeUnitLimitInstruction creates a SetComputeUnitLimit instruction.
// Format: [2, units (u32 little-endian)]
func BuildSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2 // SetComputeUnitLimit discriminator
	data[1] = byte(units)
	data[2] = byte(units >> 8)
	data[3] = byte(units >> 16)
	data[4] = byte(units >> 24)

	return solana.NewInstruction(
		ComputeBudgetProgramID,
		solana.AccountMetaSlice{},
		data,
	)
}

// BuildSetComputeUnitPriceInstruction creates a SetComputeUnitPrice instruction.
// Format: [3, microlamports (u64 little-endian)]
func BuildSetComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3 // SetComputeUnitPrice discriminator
	for i := 0; i < 8; i++ {
		data[1+i] = byte(microlamports >> (8 * i))
	}

	return solana.NewInstruction(
		ComputeBudgetProgramID,
		solana.AccountMetaSlice{},
		data,
	)
}

// DeriveAssociatedTokenAddress derives an Associated Token Account (ATA) address.
func DeriveAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive ATA: %w", err)
	}
	return ata, nil
}

// BuildCreateIdempotentATAInstruction creates an idempotent Associated Token
// Account creation instruction. CreateIdempotent (index 1) succeeds even if
// the account already exists, so it is safe for transactions where the ATA
// may or may not have been created.
//
// Accounts:
// [0] payer (signer, writable) - Funds the account creation if needed
// [1] associatedToken (writable) - The ATA to create
// [2] owner - The owner of the new ATA
// [3] mint - The SPL token mint
// [4] systemProgram - System program ID
// [5] tokenProgram - SPL Token program ID
func BuildCreateIdempotentATAInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}

	// Instruction data is just [1] for CreateIdempotent (instruction index 1)
	data := []byte{1}

	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		accounts,
		data,
	), nil
}

// GetRPCURL returns the RPC URL for a CAIP-2 Solana network identifier.
func GetRPCURL(network string) (string, error) {
	switch network {
	case x402.NetworkSolanaMainnet:
		return rpc.MainNetBeta_RPC, nil
	case x402.NetworkSolanaDevnet:
		return rpc.DevNet_RPC, nil
	default:
		return "", fmt.Errorf("invalid network %s: %w", network, x402.ErrInvalidNetwork)
	}
}
