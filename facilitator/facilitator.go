// Package facilitator implements the verification and settlement engine.
//
// Verify is pure: it inspects a signed payment against the challenge
// requirements and never touches the chain or any facilitator state.
// Settle executes at most one chain submission per challenge nonce and
// records every outcome, so retries are idempotent and concurrent
// attempts against the same nonce fail fast.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	x402 "github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/nonce"
	"github.com/mark3labs/x402-facilitator/policy"
	"github.com/mark3labs/x402-facilitator/scheme"
	"github.com/mark3labs/x402-facilitator/validation"
)

// Facilitator verifies and settles x402 payments.
type Facilitator struct {
	registry *scheme.Registry
	ledger   *nonce.Ledger
	policy   *policy.Engine
	clients  map[string]ChainClient
	results  *resultCache
	timeouts x402.TimeoutConfig
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Facilitator.
type Option func(*Facilitator)

// WithLedger sets the nonce ledger. Defaults to an in-memory ledger.
func WithLedger(ledger *nonce.Ledger) Option {
	return func(f *Facilitator) { f.ledger = ledger }
}

// WithPolicyEngine sets the engine that reservations passed to Settle
// were taken from, so outcomes commit or release them.
func WithPolicyEngine(engine *policy.Engine) Option {
	return func(f *Facilitator) { f.policy = engine }
}

// WithChainClient binds a chain client to a CAIP-2 network.
func WithChainClient(network string, client ChainClient) Option {
	return func(f *Facilitator) { f.clients[network] = client }
}

// WithTimeouts overrides the default verify/settle timeouts.
func WithTimeouts(timeouts x402.TimeoutConfig) Option {
	return func(f *Facilitator) { f.timeouts = timeouts }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facilitator) { f.logger = logger }
}

// NewFacilitator creates a facilitator serving the registry's schemes.
func NewFacilitator(registry *scheme.Registry, opts ...Option) *Facilitator {
	f := &Facilitator{
		registry: registry,
		clients:  make(map[string]ChainClient),
		results:  newResultCache(),
		timeouts: x402.DefaultTimeouts,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.ledger == nil {
		f.ledger = nonce.NewLedger(nonce.NewMemoryStore(), f.logger)
	}
	return f
}

// Verify checks a signed payment against the challenge requirements.
// It performs no chain I/O and mutates no state: an invalid payment is
// reported as a response value with a reason code, never a Go error.
func (f *Facilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) *x402.VerifyResponse {
	if err := validation.ValidatePaymentRequirements(requirements); err != nil {
		return invalidResponse(x402.ReasonMalformedRequirements, "", err)
	}
	if err := validation.ValidatePaymentPayload(payload); err != nil {
		return invalidResponse(x402.ReasonMalformedPayload, "", err)
	}

	if reason, err := matchAccepted(payload.Accepted, requirements); reason != "" {
		return invalidResponse(reason, "", err)
	}

	now := f.now().Unix()
	if now < requirements.ValidAfter {
		return invalidResponse(x402.ReasonNotYetValid, "",
			fmt.Errorf("authorization not valid until %d", requirements.ValidAfter))
	}
	if now >= requirements.ValidBefore {
		return invalidResponse(x402.ReasonExpired, "",
			fmt.Errorf("authorization expired at %d", requirements.ValidBefore))
	}

	chainScheme, err := f.registry.Resolve(requirements.Scheme, requirements.Network)
	if err != nil {
		return invalidResponse(x402.ReasonUnsupportedScheme, "", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, f.timeouts.VerifyTimeout)
	defer cancel()

	payer, err := chainScheme.VerifySignature(verifyCtx, payload, requirements)
	if err != nil {
		var verifyErr *x402.VerifyError
		if errors.As(err, &verifyErr) {
			return invalidResponse(verifyErr.Reason, verifyErr.Payer, verifyErr.Err)
		}
		return invalidResponse(x402.ReasonSignatureInvalid, "", err)
	}

	return &x402.VerifyResponse{IsValid: true, Payer: payer}
}

// Settle verifies the payment, consumes its nonce, and submits the
// settlement transaction. Exactly one submission per nonce: a repeat
// request returns the recorded outcome, a request racing an in-flight
// attempt gets duplicate_in_flight. A submission that outlives the
// settle timeout is reported Pending with the nonce and reservation
// held until Reconcile resolves the on-chain state.
func (f *Facilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, reservation *policy.Reservation) *x402.SettleResponse {
	network := requirements.Network
	challengeNonce := requirements.Nonce

	cached, duplicate := f.results.begin(challengeNonce)
	if duplicate {
		f.policyRelease(reservation)
		return &x402.SettleResponse{
			Success:      false,
			ErrorReason:  x402.ReasonDuplicateInFlight,
			ErrorMessage: "another settlement for this nonce is in flight",
			Network:      network,
		}
	}
	if cached != nil {
		// Result already recorded; this retry's reservation holds no payment.
		f.policyRelease(reservation)
		return cached
	}

	verify := f.Verify(ctx, payload, requirements)
	if !verify.IsValid {
		f.results.abandon(challengeNonce)
		f.policyRelease(reservation)
		return &x402.SettleResponse{
			Success:      false,
			ErrorReason:  verify.InvalidReason,
			ErrorMessage: verify.InvalidMessage,
			Network:      network,
			Payer:        verify.Payer,
		}
	}
	payer := verify.Payer

	expiresAt := time.Unix(requirements.ValidBefore, 0)
	reserved, err := f.ledger.TryReserve(payer, challengeNonce, expiresAt)
	if err != nil {
		f.results.abandon(challengeNonce)
		f.policyRelease(reservation)
		f.logger.Error("nonce reservation failed", "error", err, "payer", payer)
		return f.failure(x402.ReasonChainSubmissionFailed, "nonce ledger unavailable", network, payer)
	}
	if !reserved {
		f.results.abandon(challengeNonce)
		f.policyRelease(reservation)
		return f.failure(x402.ReasonNonceAlreadyUsed, "nonce already consumed by a prior settlement", network, payer)
	}

	chainScheme, err := f.registry.Resolve(requirements.Scheme, requirements.Network)
	if err != nil {
		return f.fail(challengeNonce, payer, reservation, expiresAt,
			x402.ReasonUnsupportedScheme, err.Error(), network)
	}

	call, err := chainScheme.BuildSettlementCall(payload, requirements)
	if err != nil {
		return f.fail(challengeNonce, payer, reservation, expiresAt,
			x402.ReasonMalformedPayload, err.Error(), network)
	}

	client, ok := f.clients[network]
	if !ok {
		return f.fail(challengeNonce, payer, reservation, expiresAt,
			x402.ReasonChainSubmissionFailed, x402.ErrNoChainClient.Error(), network)
	}

	submitCtx, cancel := context.WithTimeout(ctx, f.timeouts.SettleTimeout)
	defer cancel()

	txRef, err := client.Submit(submitCtx, call)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Unknown on-chain state: hold the nonce and the reservation
			// until reconciliation resolves the transaction.
			response := &x402.SettleResponse{
				Success:      false,
				Pending:      true,
				ErrorReason:  x402.ReasonChainSubmissionTimeout,
				ErrorMessage: "chain submission timed out; outcome pending",
				Transaction:  txRef,
				Network:      network,
				Payer:        payer,
			}
			f.results.finish(challengeNonce, response, resultEntry{
				txRef:       txRef,
				payer:       payer,
				network:     network,
				reservation: reservation,
				expiresAt:   expiresAt,
			})
			f.logger.Warn("settlement pending", "network", network, "payer", payer, "tx", txRef)
			return response
		}
		return f.fail(challengeNonce, payer, reservation, expiresAt,
			x402.ReasonChainSubmissionFailed, err.Error(), network)
	}

	f.policyCommit(reservation)
	if err := f.ledger.MarkSettled(payer, challengeNonce); err != nil {
		f.logger.Error("failed to mark nonce settled", "error", err, "payer", payer)
	}

	response := &x402.SettleResponse{
		Success:     true,
		Transaction: txRef,
		Network:     network,
		Payer:       payer,
	}
	f.results.finish(challengeNonce, response, resultEntry{
		txRef:     txRef,
		payer:     payer,
		network:   network,
		expiresAt: expiresAt,
	})
	f.logger.Info("settlement confirmed", "network", network, "payer", payer, "tx", txRef)
	return response
}

// Supported lists the (scheme, network) pairs this facilitator serves.
func (f *Facilitator) Supported() *x402.SupportedResponse {
	return &x402.SupportedResponse{Kinds: f.registry.SupportedKinds()}
}

// Reconcile resolves pending settlements against the chain. Confirmed
// transactions commit their reservation and keep the nonce consumed;
// reverted ones release the reservation and clear the in-flight marker
// so the record can expire normally.
func (f *Facilitator) Reconcile(ctx context.Context) {
	for _, entry := range f.results.pending() {
		if entry.txRef == "" {
			continue
		}
		client, ok := f.clients[entry.network]
		if !ok {
			continue
		}

		status, err := client.GetStatus(ctx, entry.network, entry.txRef)
		if err != nil {
			f.logger.Warn("reconcile status check failed", "tx", entry.txRef, "error", err)
			continue
		}

		switch status {
		case TxConfirmed:
			f.policyCommit(entry.reservation)
			if err := f.ledger.MarkSettled(entry.payer, entry.nonce); err != nil {
				f.logger.Error("failed to mark nonce settled", "error", err, "payer", entry.payer)
			}
			f.results.resolve(entry.nonce, &x402.SettleResponse{
				Success:     true,
				Transaction: entry.txRef,
				Network:     entry.network,
				Payer:       entry.payer,
			})
			f.logger.Info("pending settlement confirmed", "tx", entry.txRef, "payer", entry.payer)
		case TxReverted:
			f.policyRelease(entry.reservation)
			if err := f.ledger.Release(entry.payer, entry.nonce); err != nil {
				f.logger.Error("failed to release nonce", "error", err, "payer", entry.payer)
			}
			f.results.resolve(entry.nonce, &x402.SettleResponse{
				Success:      false,
				ErrorReason:  x402.ReasonChainSubmissionFailed,
				ErrorMessage: "transaction reverted on chain",
				Transaction:  entry.txRef,
				Network:      entry.network,
				Payer:        entry.payer,
			})
			f.logger.Warn("pending settlement reverted", "tx", entry.txRef, "payer", entry.payer)
		case TxPending:
			// Still unresolved; try again next cycle.
		}
	}

	f.results.prune(f.now())
}

// Run reconciles pending settlements on the given interval until ctx is
// cancelled.
func (f *Facilitator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Reconcile(ctx)
		}
	}
}

// fail records a post-reservation failure: the reservation is released,
// the nonce's in-flight marker cleared (the nonce itself stays
// consumed), and the outcome cached.
func (f *Facilitator) fail(challengeNonce, payer string, reservation *policy.Reservation, expiresAt time.Time, reason, message, network string) *x402.SettleResponse {
	f.policyRelease(reservation)
	if err := f.ledger.Release(payer, challengeNonce); err != nil {
		f.logger.Error("failed to release nonce", "error", err, "payer", payer)
	}

	response := f.failure(reason, message, network, payer)
	f.results.finish(challengeNonce, response, resultEntry{
		payer:     payer,
		network:   network,
		expiresAt: expiresAt,
	})
	f.logger.Warn("settlement failed", "reason", reason, "network", network, "payer", payer)
	return response
}

func (f *Facilitator) failure(reason, message, network, payer string) *x402.SettleResponse {
	return &x402.SettleResponse{
		Success:      false,
		ErrorReason:  reason,
		ErrorMessage: message,
		Network:      network,
		Payer:        payer,
	}
}

func (f *Facilitator) policyCommit(reservation *policy.Reservation) {
	if f.policy != nil && reservation != nil {
		f.policy.Commit(reservation)
	}
}

func (f *Facilitator) policyRelease(reservation *policy.Reservation) {
	if f.policy != nil && reservation != nil {
		f.policy.Release(reservation)
	}
}

// matchAccepted checks that the requirements the client signed against
// are exactly the requirements the resource server is settling. Any
// divergence is a verification failure, not a policy decision.
func matchAccepted(accepted, requirements x402.PaymentRequirements) (reason string, err error) {
	if !strings.EqualFold(accepted.Scheme, requirements.Scheme) || accepted.Network != requirements.Network {
		return x402.ReasonMalformedPayload, fmt.Errorf("accepted scheme/network differs from requirements")
	}
	if !x402.AmountsEqual(accepted.Amount, requirements.Amount) {
		return x402.ReasonAmountMismatch, fmt.Errorf("accepted amount %q differs from required %q", accepted.Amount, requirements.Amount)
	}
	if !strings.EqualFold(accepted.Asset, requirements.Asset) {
		return x402.ReasonAssetMismatch, fmt.Errorf("accepted asset differs from requirements")
	}
	if !strings.EqualFold(accepted.PayTo, requirements.PayTo) {
		return x402.ReasonRecipientMismatch, fmt.Errorf("accepted recipient differs from requirements")
	}
	if accepted.Nonce != requirements.Nonce {
		return x402.ReasonNonceMismatch, fmt.Errorf("accepted nonce differs from challenge nonce")
	}
	if accepted.Resource != requirements.Resource {
		return x402.ReasonMalformedPayload, fmt.Errorf("accepted resource differs from requirements")
	}
	if accepted.ValidAfter != requirements.ValidAfter || accepted.ValidBefore != requirements.ValidBefore {
		return x402.ReasonMalformedPayload, fmt.Errorf("accepted validity window differs from requirements")
	}
	return "", nil
}

func invalidResponse(reason, payer string, err error) *x402.VerifyResponse {
	message := reason
	if err != nil {
		message = err.Error()
	}
	return &x402.VerifyResponse{
		IsValid:        false,
		InvalidReason:  reason,
		InvalidMessage: message,
		Payer:          payer,
	}
}
