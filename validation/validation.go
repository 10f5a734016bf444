// Package validation provides structural validation for x402 payment data.
// It validates addresses, amounts, networks (CAIP-2 format), and payment
// structures before they enter the verification pipeline.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	x402 "github.com/mark3labs/x402-facilitator"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset)
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

	// challengeNonceRegex matches a 32-byte hex challenge nonce.
	challengeNonceRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// ValidateAmount validates that an amount string is a positive integer.
// Returns an error if the amount is empty, malformed, zero, or negative.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be positive, got: %s", amount)
	}

	return nil
}

// ValidateAddress validates an address based on the network type.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	networkType, err := x402.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case x402.NetworkTypeEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
		return nil

	case x402.NetworkTypeSVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address format: %s (expected base58 string 32-44 chars)", address)
		}
		return nil

	default:
		return fmt.Errorf("unsupported network type for address validation: %d", networkType)
	}
}

// ValidateNonce validates a server-issued challenge nonce.
func ValidateNonce(nonce string) error {
	if nonce == "" {
		return fmt.Errorf("nonce cannot be empty")
	}
	if !challengeNonceRegex.MatchString(nonce) {
		return fmt.Errorf("invalid nonce format: expected 0x-prefixed 64 hex characters")
	}
	return nil
}

// ValidatePaymentRequirements performs comprehensive validation of a payment
// challenge. It validates the amount, network, addresses, nonce, validity
// window, and scheme. Structurally invalid requirements must never reach the
// verification pipeline.
func ValidatePaymentRequirements(req x402.PaymentRequirements) error {
	if err := ValidateAmount(req.Amount); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if _, err := x402.ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: payTo %w", err)
	}

	if req.Asset == "" {
		return fmt.Errorf("invalid requirements: asset address cannot be empty")
	}

	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: asset %w", err)
	}

	if req.Scheme == "" {
		return fmt.Errorf("invalid requirements: scheme cannot be empty")
	}

	if err := ValidateNonce(req.Nonce); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if req.ValidAfter >= req.ValidBefore {
		return fmt.Errorf("invalid requirements: validAfter (%d) must be before validBefore (%d)",
			req.ValidAfter, req.ValidBefore)
	}

	return nil
}

// ValidatePaymentPayload validates a payment payload structure.
func ValidatePaymentPayload(payload x402.PaymentPayload) error {
	if payload.X402Version != x402.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", payload.X402Version, x402.X402Version)
	}

	if payload.Accepted.Scheme == "" {
		return fmt.Errorf("accepted scheme cannot be empty")
	}

	if payload.Accepted.Network == "" {
		return fmt.Errorf("accepted network cannot be empty")
	}

	if _, err := x402.ValidateNetwork(payload.Accepted.Network); err != nil {
		return fmt.Errorf("invalid accepted network: %w", err)
	}

	if payload.Payload == nil {
		return fmt.Errorf("payload cannot be nil")
	}

	return nil
}
