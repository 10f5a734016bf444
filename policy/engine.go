package policy

import (
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction identifies which side of a payment the operator is on.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// ViolationKind identifies which rule rejected a payment.
type ViolationKind string

const (
	ViolationBlocked            ViolationKind = "blocked"
	ViolationNotAllowlisted     ViolationKind = "not_allowlisted"
	ViolationPerPaymentExceeded ViolationKind = "per_payment_exceeded"
	ViolationWindowExceeded     ViolationKind = "window_exceeded"
	ViolationRateLimitExceeded  ViolationKind = "rate_limit_exceeded"
)

// Violation reports why a payment was rejected.
type Violation struct {
	Kind  ViolationKind
	Group string
	Limit string
}

func (v *Violation) Error() string {
	if v.Limit == "" {
		return fmt.Sprintf("policy violation: %s (group %s)", v.Kind, v.Group)
	}
	return fmt.Sprintf("policy violation: %s (group %s, limit %s)", v.Kind, v.Group, v.Limit)
}

// Reservation is a provisional hold against every window a payment
// touches. Commit it after settlement succeeds, Release it otherwise.
type Reservation struct {
	ID string

	amount    *big.Int
	holds     []hold
	committed bool
	released  bool
}

// hold pins a window at the epoch it had when the reservation was
// taken. If the window has reset since, the hold is stale and commit or
// release against it is a no-op.
type hold struct {
	window *window
	epoch  uint64
	rate   bool
}

type windowKey struct {
	group     string
	direction Direction
	scope     string
}

// window tracks fixed-window totals. In-flight counters cover taken but
// uncommitted reservations so concurrent payments cannot both pass a
// check against a stale total.
type window struct {
	start    time.Time
	duration time.Duration
	epoch    uint64

	committedAmount *big.Int
	inFlightAmount  *big.Int
	committedCount  int
	inFlightCount   int
}

func (w *window) resetIfElapsed(now time.Time) {
	if now.Sub(w.start) >= w.duration {
		w.start = now
		w.epoch++
		w.committedAmount.SetInt64(0)
		w.inFlightAmount.SetInt64(0)
		w.committedCount = 0
		w.inFlightCount = 0
	}
}

// Engine evaluates payments against the configured policy groups.
type Engine struct {
	mu      sync.Mutex
	groups  map[string]*Group
	windows map[windowKey]*window
	now     func() time.Time
}

// NewEngine creates an engine over validated groups (see Load).
func NewEngine(groups []Group) *Engine {
	byName := make(map[string]*Group, len(groups))
	for i := range groups {
		byName[groups[i].Name] = &groups[i]
	}
	return &Engine{
		groups:  byName,
		windows: make(map[windowKey]*window),
		now:     time.Now,
	}
}

// Reserve checks amount against every named group and, if all pass,
// places an in-flight hold on each touched window. An empty group list
// applies every configured group; unknown names are skipped.
func (e *Engine) Reserve(direction Direction, counterparty, resource string, amount *big.Int, groupNames []string) (*Reservation, *Violation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	applicable := e.resolveGroups(groupNames)
	now := e.now()

	// Evaluate everything before touching any counter so a rejection
	// leaves no partial holds behind.
	var holds []hold
	for _, group := range applicable {
		groupHolds, violation := e.evaluateGroup(group, direction, counterparty, resource, amount, now)
		if violation != nil {
			return nil, violation
		}
		holds = append(holds, groupHolds...)
	}

	for _, h := range holds {
		if h.rate {
			h.window.inFlightCount++
		} else {
			h.window.inFlightAmount.Add(h.window.inFlightAmount, amount)
		}
	}

	return &Reservation{
		ID:     uuid.NewString(),
		amount: new(big.Int).Set(amount),
		holds:  holds,
	}, nil
}

// Commit folds a reservation into the committed totals. Committing
// twice, or after Release, is a no-op.
func (e *Engine) Commit(r *Reservation) {
	if r == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.committed || r.released {
		return
	}
	r.committed = true

	for _, h := range r.holds {
		if h.window.epoch != h.epoch {
			continue
		}
		if h.rate {
			h.window.inFlightCount--
			h.window.committedCount++
		} else {
			h.window.inFlightAmount.Sub(h.window.inFlightAmount, r.amount)
			h.window.committedAmount.Add(h.window.committedAmount, r.amount)
		}
	}
}

// Release drops a reservation's in-flight holds without touching
// committed totals. Releasing twice, or after Commit, is a no-op.
func (e *Engine) Release(r *Reservation) {
	if r == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.committed || r.released {
		return
	}
	r.released = true

	for _, h := range r.holds {
		if h.window.epoch != h.epoch {
			continue
		}
		if h.rate {
			h.window.inFlightCount--
		} else {
			h.window.inFlightAmount.Sub(h.window.inFlightAmount, r.amount)
		}
	}
}

// Prune removes windows that have expired with nothing in flight.
func (e *Engine) Prune() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	removed := 0
	for key, w := range e.windows {
		if now.Sub(w.start) >= w.duration && w.inFlightCount == 0 && w.inFlightAmount.Sign() == 0 {
			delete(e.windows, key)
			removed++
		}
	}
	return removed
}

func (e *Engine) resolveGroups(names []string) []*Group {
	if len(names) == 0 {
		groups := make([]*Group, 0, len(e.groups))
		for _, group := range e.groups {
			groups = append(groups, group)
		}
		return groups
	}
	groups := make([]*Group, 0, len(names))
	for _, name := range names {
		if group, ok := e.groups[name]; ok {
			groups = append(groups, group)
		}
	}
	return groups
}

func (e *Engine) evaluateGroup(group *Group, direction Direction, counterparty, resource string, amount *big.Int, now time.Time) ([]hold, *Violation) {
	// Block wins over allow.
	if slices.Contains(group.BlockedCounterparties, counterparty) {
		return nil, &Violation{Kind: ViolationBlocked, Group: group.Name}
	}
	if len(group.AllowedCounterparties) > 0 && !slices.Contains(group.AllowedCounterparties, counterparty) {
		return nil, &Violation{Kind: ViolationNotAllowlisted, Group: group.Name}
	}

	limits := group.IncomingLimits
	if direction == DirectionOutgoing {
		limits = group.OutgoingLimits
	}

	var holds []hold
	if limits != nil {
		scopes := []struct {
			name  string
			limit *Limit
		}{
			{"global", limits.Global},
			{"counterparty:" + counterparty, limits.PerCounterparty[counterparty]},
			{"resource:" + resource, limits.PerResource[resource]},
		}

		for _, scope := range scopes {
			if scope.limit == nil {
				continue
			}
			if scope.limit.maxPayment != nil && amount.Cmp(scope.limit.maxPayment) > 0 {
				return nil, &Violation{Kind: ViolationPerPaymentExceeded, Group: group.Name, Limit: scope.name}
			}
			if scope.limit.maxWindow != nil {
				w := e.windowFor(windowKey{group: group.Name, direction: direction, scope: scope.name},
					time.Duration(scope.limit.WindowDurationMs)*time.Millisecond, now)

				total := new(big.Int).Add(w.committedAmount, w.inFlightAmount)
				total.Add(total, amount)
				if total.Cmp(scope.limit.maxWindow) > 0 {
					return nil, &Violation{Kind: ViolationWindowExceeded, Group: group.Name, Limit: scope.name}
				}
				holds = append(holds, hold{window: w, epoch: w.epoch})
			}
		}
	}

	if rl := group.RateLimit; rl != nil {
		w := e.windowFor(windowKey{group: group.Name, direction: direction, scope: "rate:counterparty:" + counterparty},
			time.Duration(rl.WindowDurationMs)*time.Millisecond, now)

		if w.committedCount+w.inFlightCount+1 > rl.MaxPayments {
			return nil, &Violation{Kind: ViolationRateLimitExceeded, Group: group.Name, Limit: "rateLimit"}
		}
		holds = append(holds, hold{window: w, epoch: w.epoch, rate: true})
	}

	return holds, nil
}

// windowFor returns the live window for key, creating it lazily and
// applying the fixed-window reset before any evaluation against it.
func (e *Engine) windowFor(key windowKey, duration time.Duration, now time.Time) *window {
	w, ok := e.windows[key]
	if !ok {
		w = &window{
			start:           now,
			duration:        duration,
			committedAmount: new(big.Int),
			inFlightAmount:  new(big.Int),
		}
		e.windows[key] = w
		return w
	}
	w.duration = duration
	w.resetIfElapsed(now)
	return w
}
