// Package scheme defines the chain scheme capability interface and the
// registry that resolves a requirement's (scheme, network) pair to a
// concrete verifier/settler.
//
// Dispatch is a closed set of registered variants resolved through an
// immutable registry built once at startup; there is no reflection and no
// ambient global scheme table.
package scheme

import (
	"context"
	"fmt"
	"strings"

	x402 "github.com/mark3labs/x402-facilitator"
)

// SettlementCall is the opaque call descriptor a ChainScheme produces for a
// verified payment. Exactly one of ContractCall or Transaction is set,
// depending on the chain family.
type SettlementCall struct {
	// Network is the CAIP-2 network the call targets.
	Network string

	// ContractCall describes an EVM contract invocation.
	ContractCall *EVMCall

	// Transaction is a serialized chain transaction awaiting the
	// facilitator's co-signature (SVM).
	Transaction []byte
}

// EVMCall is an ABI-encoded contract invocation.
type EVMCall struct {
	// To is the contract address (the token carrying the payment).
	To string

	// Data is the ABI-encoded calldata.
	Data []byte
}

// ChainScheme is the per-chain-family capability: signature verification and
// settlement call construction for one payment scheme on one network family.
// Schemes are stateless; all shared state lives in the nonce ledger and the
// policy engine.
type ChainScheme interface {
	// Scheme returns the payment scheme identifier (e.g., "exact").
	Scheme() string

	// CaipFamily returns the CAIP-2 family pattern this scheme serves
	// (e.g., "eip155:*" or "solana:*").
	CaipFamily() string

	// VerifySignature checks the chain-specific signed payload against the
	// requirements and returns the payer address. Failures are returned as
	// *x402.VerifyError values carrying a reason code.
	VerifySignature(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (string, error)

	// BuildSettlementCall produces the call descriptor the chain client
	// submits. Callers must have verified the payload first.
	BuildSettlementCall(payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*SettlementCall, error)

	// Extra returns scheme-specific data for the supported-kinds listing
	// (e.g., the SVM fee payer address), or nil.
	Extra(network string) map[string]interface{}
}

// Registry resolves (scheme, network) pairs to registered ChainScheme
// variants. It is immutable after construction: build it in wiring code and
// pass it to the facilitator core explicitly.
type Registry struct {
	entries map[string]ChainScheme
	kinds   []x402.SupportedKind
}

// NewRegistry builds a registry from explicit (networks, scheme) bindings.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]ChainScheme)}
}

// Register binds a scheme implementation to a set of CAIP-2 networks.
// Later registrations win for a duplicate (scheme, network) pair.
func (r *Registry) Register(networks []string, s ChainScheme) *Registry {
	for _, network := range networks {
		r.entries[key(s.Scheme(), network)] = s
		r.kinds = append(r.kinds, x402.SupportedKind{
			X402Version: x402.X402Version,
			Scheme:      s.Scheme(),
			Network:     network,
			Extra:       s.Extra(network),
		})
	}
	return r
}

// Resolve returns the ChainScheme registered for the (scheme, network) pair,
// or x402.ErrNotSupported.
func (r *Registry) Resolve(scheme, network string) (ChainScheme, error) {
	s, ok := r.entries[key(scheme, network)]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", x402.ErrNotSupported, scheme, network)
	}
	return s, nil
}

// SupportedKinds lists every registered (scheme, network) pair.
func (r *Registry) SupportedKinds() []x402.SupportedKind {
	kinds := make([]x402.SupportedKind, len(r.kinds))
	copy(kinds, r.kinds)
	return kinds
}

func key(scheme, network string) string {
	return strings.ToLower(scheme) + "|" + network
}
