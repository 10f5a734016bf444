package facilitator

import (
	"sync"
	"time"

	x402 "github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/policy"
)

// resultCache records the outcome of every settlement attempt that
// consumed a nonce, keyed by challenge nonce. It is what makes Settle
// idempotent: a repeat request for a settled nonce gets the recorded
// result without touching the chain, and a request racing an in-flight
// attempt fails fast instead of double-submitting.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]*resultEntry
}

type resultEntry struct {
	inFlight bool
	response *x402.SettleResponse

	// Reconciliation state for pending outcomes.
	txRef       string
	payer       string
	network     string
	nonce       string
	reservation *policy.Reservation
	expiresAt   time.Time
}

func newResultCache() *resultCache {
	return &resultCache{entries: make(map[string]*resultEntry)}
}

// begin claims the nonce for a new settlement attempt. It returns the
// recorded response if one exists, or duplicate=true if another attempt
// is in flight. Otherwise the nonce is marked in flight and the caller
// must end the attempt with finish or abandon.
func (c *resultCache) begin(nonce string) (cached *x402.SettleResponse, duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[nonce]; ok {
		if entry.inFlight {
			return nil, true
		}
		response := *entry.response
		return &response, false
	}

	c.entries[nonce] = &resultEntry{inFlight: true}
	return nil, false
}

// finish records the attempt's outcome. Pending outcomes keep the
// reconciliation state so Reconcile can resolve them later.
func (c *resultCache) finish(nonce string, response *x402.SettleResponse, entry resultEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.inFlight = false
	entry.response = response
	entry.nonce = nonce
	c.entries[nonce] = &entry
}

// abandon drops the in-flight claim without recording an outcome. Used
// when the attempt failed before the nonce was consumed.
func (c *resultCache) abandon(nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[nonce]; ok && entry.inFlight {
		delete(c.entries, nonce)
	}
}

// pending snapshots the entries awaiting reconciliation.
func (c *resultCache) pending() []*resultEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*resultEntry
	for _, entry := range c.entries {
		if !entry.inFlight && entry.response != nil && entry.response.Pending {
			out = append(out, entry)
		}
	}
	return out
}

// resolve replaces a pending entry's response after reconciliation.
func (c *resultCache) resolve(nonce string, response *x402.SettleResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[nonce]; ok {
		entry.response = response
		entry.reservation = nil
	}
}

// prune removes settled entries whose authorization validity has
// passed; past that point the nonce ledger alone guards replay. Pending
// entries are kept until reconciliation resolves them.
func (c *resultCache) prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for nonce, entry := range c.entries {
		if entry.inFlight || (entry.response != nil && entry.response.Pending) {
			continue
		}
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(c.entries, nonce)
			removed++
		}
	}
	return removed
}
