// Package x402 implements the facilitator side of the x402 micropayment
// protocol: the payment model shared by the verification/settlement engine,
// the policy layer, and the transport surfaces.
//
// A resource server advertises a price as PaymentRequirements; a client
// answers with a signed PaymentPayload; the facilitator verifies the payload
// against the requirements and, once verified, settles it on-chain.
//
// Import path: github.com/mark3labs/x402-facilitator
package x402

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// Protocol version constant
const X402Version = 2

// PaymentRequirements is the server-issued payment challenge: the price and
// terms a client must satisfy to access a resource.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network in CAIP-2 format (e.g., "eip155:8453").
	Network string `json:"network"`

	// Amount is the payment amount in atomic units (e.g., wei, lamports).
	// Always an integer string, never a float.
	Amount string `json:"amount"`

	// Asset is the token contract address (EVM) or mint address (Solana).
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the logical endpoint identifier the challenge protects.
	Resource string `json:"resource,omitempty"`

	// Nonce is a server-chosen single-use value, unique per challenge.
	// Clients must echo it in the signed authorization.
	Nonce string `json:"nonce"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter int64 `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore int64 `json:"validBefore"`

	// Extra contains scheme-specific additional data.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload is the client's signed answer to a payment challenge.
type PaymentPayload struct {
	// X402Version is the protocol version (2 for v2).
	X402Version int `json:"x402Version"`

	// Accepted contains the payment requirements that were accepted.
	Accepted PaymentRequirements `json:"accepted"`

	// Payload contains the blockchain-specific signed payment data.
	// For EVM: EVMPayload with signature and authorization
	// For Solana: SVMPayload with partially signed transaction
	Payload interface{} `json:"payload"`
}

// EVMPayload contains EIP-3009 authorization data for EVM payments.
type EVMPayload struct {
	// Signature is the hex-encoded ECDSA signature.
	Signature string `json:"signature"`

	// Authorization contains the EIP-3009 transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization contains EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units (wei).
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is the 32-byte hex challenge nonce being consumed.
	Nonce string `json:"nonce"`
}

// SVMPayload contains a partially signed Solana transaction.
type SVMPayload struct {
	// Transaction is the base64-encoded partially signed Solana transaction.
	// The client signs with their private key, and the facilitator adds the
	// fee payer signature at settlement time.
	Transaction string `json:"transaction"`
}

// VerifyResponse is returned by the /verify endpoint. Verification never
// errors out of band: an invalid payment is a value with a reason code.
type VerifyResponse struct {
	// IsValid indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// InvalidReason provides a short error code if the payment is invalid.
	InvalidReason string `json:"invalidReason,omitempty"`

	// InvalidMessage provides a human-readable error message if the payment is invalid.
	InvalidMessage string `json:"invalidMessage,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SettleResponse is returned by the /settle endpoint.
type SettleResponse struct {
	// Success indicates whether the payment was successfully settled.
	Success bool `json:"success"`

	// Pending indicates the chain submission timed out with unknown on-chain
	// state. The payment is neither settled nor failed until reconciliation
	// resolves it; the nonce and policy reservation stay held.
	Pending bool `json:"pending,omitempty"`

	// ErrorReason provides a short error code if the payment failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// ErrorMessage provides a human-readable error message if the payment failed.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Transaction is the blockchain transaction hash or signature.
	Transaction string `json:"transaction,omitempty"`

	// Network is the blockchain network where the payment was settled (CAIP-2 format).
	Network string `json:"network,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SupportedKind describes a payment type supported by this facilitator.
type SupportedKind struct {
	// X402Version is the protocol version supported.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network in CAIP-2 format.
	Network string `json:"network"`

	// Extra contains scheme-specific additional data (e.g., the SVM fee payer).
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by the /supported endpoint.
type SupportedResponse struct {
	// Kinds lists the payment types supported by the facilitator.
	Kinds []SupportedKind `json:"kinds"`
}

// NewChallengeNonce returns a fresh challenge nonce: 32 random bytes as a
// 0x-prefixed fixed-length hex string. Collisions are cryptographically
// negligible and not otherwise guarded.
func NewChallengeNonce() (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(nonce[:]), nil
}

// ParseAmount parses an atomic-unit amount string into a *big.Int.
// Returns ErrInvalidAmount for anything that is not a positive integer.
func ParseAmount(amount string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return value, nil
}

// AmountsEqual reports whether two atomic-unit amount strings denote the
// same integer value. Malformed amounts are never equal to anything.
func AmountsEqual(a, b string) bool {
	av, ok := new(big.Int).SetString(a, 10)
	if !ok {
		return false
	}
	bv, ok := new(big.Int).SetString(b, 10)
	if !ok {
		return false
	}
	return av.Cmp(bv) == 0
}
