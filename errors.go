package x402

import "errors"

// Sentinel errors for facilitator operations.
var (
	// ErrInvalidAmount indicates an amount string that is not a positive integer.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidNetwork indicates an unsupported or malformed network identifier.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrNotSupported indicates a scheme/network pair this facilitator does not serve.
	ErrNotSupported = errors.New("x402: scheme/network not supported")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrNoChainClient indicates no chain client is configured for a network.
	ErrNoChainClient = errors.New("x402: no chain client for network")
)

// Reason codes surfaced in VerifyResponse.InvalidReason and
// SettleResponse.ErrorReason. Deterministic failures carry the same code on
// every retry; transient codes may clear once the underlying state changes.
const (
	// ReasonMalformedRequirements marks structurally invalid requirements.
	ReasonMalformedRequirements = "malformed_requirements"

	// ReasonMalformedPayload marks a structurally invalid payment payload.
	ReasonMalformedPayload = "malformed_payload"

	// ReasonSignatureInvalid marks a signature that does not recover the payer.
	ReasonSignatureInvalid = "signature_invalid"

	// ReasonAmountMismatch marks an authorization amount differing from the requirements.
	ReasonAmountMismatch = "amount_mismatch"

	// ReasonRecipientMismatch marks an authorization recipient differing from payTo.
	ReasonRecipientMismatch = "recipient_mismatch"

	// ReasonAssetMismatch marks a payload asset differing from the requirements.
	ReasonAssetMismatch = "asset_mismatch"

	// ReasonNonceMismatch marks an authorization nonce differing from the challenge nonce.
	ReasonNonceMismatch = "nonce_mismatch"

	// ReasonExpired marks an authorization submitted after validBefore.
	ReasonExpired = "expired"

	// ReasonNotYetValid marks an authorization submitted before validAfter.
	ReasonNotYetValid = "not_yet_valid"

	// ReasonUnsupportedScheme marks a scheme/network pair with no registered scheme.
	ReasonUnsupportedScheme = "unsupported_scheme"

	// ReasonNonceAlreadyUsed marks a nonce already consumed by a prior settlement.
	ReasonNonceAlreadyUsed = "nonce_already_used"

	// ReasonDuplicateInFlight marks a settlement attempt while another attempt
	// for the same (signer, nonce) is in flight. Transient: retry after the
	// in-flight settlement resolves.
	ReasonDuplicateInFlight = "duplicate_in_flight"

	// ReasonPolicyViolation marks a payment rejected by the policy engine.
	ReasonPolicyViolation = "policy_violation"

	// ReasonChainSubmissionFailed marks a rejected or failed chain submission.
	ReasonChainSubmissionFailed = "chain_submission_failed"

	// ReasonChainSubmissionTimeout marks a chain submission with unknown
	// outcome; surfaced as Pending, never silently resolved.
	ReasonChainSubmissionTimeout = "chain_submission_timeout"
)

// VerifyError is a structured verification failure. The facilitator core
// converts it into a VerifyResponse value; it never escapes to callers as a
// control-flow interruption.
type VerifyError struct {
	// Reason is the machine-readable reason code.
	Reason string

	// Payer is the payer address, when it could be extracted.
	Payer string

	// Network is the CAIP-2 network the failure occurred on.
	Network string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *VerifyError) Error() string {
	if e.Err != nil {
		return "x402: verification failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "x402: verification failed: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *VerifyError) Unwrap() error { return e.Err }

// NewVerifyError creates a structured verification failure.
func NewVerifyError(reason, payer, network string, err error) *VerifyError {
	return &VerifyError{Reason: reason, Payer: payer, Network: network, Err: err}
}

// SettleError is a structured settlement failure, converted into a
// SettleResponse value by the facilitator core.
type SettleError struct {
	// Reason is the machine-readable reason code.
	Reason string

	// Payer is the payer address, when known.
	Payer string

	// Network is the CAIP-2 network the failure occurred on.
	Network string

	// Transaction is the transaction reference, when a submission happened.
	Transaction string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *SettleError) Error() string {
	if e.Err != nil {
		return "x402: settlement failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "x402: settlement failed: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *SettleError) Unwrap() error { return e.Err }

// NewSettleError creates a structured settlement failure.
func NewSettleError(reason, payer, network, transaction string, err error) *SettleError {
	return &SettleError{Reason: reason, Payer: payer, Network: network, Transaction: transaction, Err: err}
}
