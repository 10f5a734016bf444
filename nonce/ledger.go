// Package nonce tracks consumed payment nonces for replay protection.
//
// A nonce is reserved when settlement begins and stays consumed until its
// authorization validity window has passed. Records whose settlement is
// still in flight are never swept, regardless of nominal expiry.
package nonce

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Record is a consumed (signer, nonce) pair.
type Record struct {
	Signer    string
	Nonce     string
	ExpiresAt time.Time
	InFlight  bool
}

// Store persists nonce records. Implementations must make TryInsert
// atomic with respect to concurrent callers.
type Store interface {
	// TryInsert inserts a live record for (signer, nonce) and returns true,
	// or returns false if a live record already exists. A record is live if
	// it is in flight or its expiry has not passed.
	TryInsert(signer, nonce string, expiresAt, now time.Time) (bool, error)

	// ClearInFlight marks the record as no longer in flight. The record
	// itself stays until expiry. Missing records are ignored.
	ClearInFlight(signer, nonce string) error

	// DeleteExpired removes records whose expiry has passed and that are
	// not in flight. Returns the number of records removed.
	DeleteExpired(now time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// Ledger provides replay protection over a Store and runs the periodic
// expiry sweep.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// NewLedger creates a ledger over the given store. A nil logger disables
// sweep logging.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ledger{store: store, logger: logger}
}

// TryReserve atomically consumes (signer, nonce), marking it in flight.
// Returns false if the pair is already consumed and still live.
func (l *Ledger) TryReserve(signer, nonce string, expiresAt time.Time) (bool, error) {
	return l.store.TryInsert(signer, nonce, expiresAt, time.Now())
}

// Release clears the in-flight marker after a failed settlement. The
// nonce stays consumed until expiry; a retry needs a fresh nonce.
func (l *Ledger) Release(signer, nonce string) error {
	return l.store.ClearInFlight(signer, nonce)
}

// MarkSettled clears the in-flight marker after a successful settlement.
// The record persists to expiry so the nonce cannot be replayed.
func (l *Ledger) MarkSettled(signer, nonce string) error {
	return l.store.ClearInFlight(signer, nonce)
}

// Sweep removes expired records that are not in flight.
func (l *Ledger) Sweep(now time.Time) (int, error) {
	return l.store.DeleteExpired(now)
}

// Run sweeps on the given interval until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := l.Sweep(now)
			if err != nil {
				l.logger.Error("nonce sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				l.logger.Debug("nonce sweep", "removed", removed)
			}
		}
	}
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
