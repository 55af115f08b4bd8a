// Package ledger tracks how many seconds of access each identity has left.
//
// Balances only grow through Credit and only shrink through Tick. The ledger
// never calls out to the network while holding its lock: expiry and grant
// notifiers run after the lock is released.
package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNegativeCredit      = errors.New("credit must not be negative")
	ErrBalanceLimit        = errors.New("balance limit exceeded")
)

// Notifier is called with an identity after a ledger transition.
type Notifier[K comparable] func(ctx context.Context, id K) error

type Options[K comparable] struct {
	// EvictOnExpiry drops an identity when its balance reaches zero. When
	// false the entry stays at zero so the identity remains listed as blocked.
	EvictOnExpiry bool
	// MaxBalance caps a single identity's balance. 0 means no cap.
	MaxBalance int64
	// OnExpire fires once per zero-crossing.
	OnExpire Notifier[K]
	// OnGrant fires on every successful Claim.
	OnGrant Notifier[K]
}

// Entry is a point-in-time view of one balance.
type Entry[K comparable] struct {
	Identity  K
	Remaining int64
}

type Ledger[K comparable] struct {
	mu       sync.Mutex
	balances map[K]int64
	opts     Options[K]
	log      *zap.Logger
}

func New[K comparable](opts Options[K], log *zap.Logger) *Ledger[K] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger[K]{
		balances: make(map[K]int64),
		opts:     opts,
		log:      log,
	}
}

// Credit adds seconds to id's balance and returns the new balance.
func (l *Ledger[K]) Credit(id K, seconds int64) (int64, error) {
	if seconds < 0 {
		return 0, ErrNegativeCredit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.balances[id] + seconds
	if l.opts.MaxBalance > 0 && next > l.opts.MaxBalance {
		return l.balances[id], fmt.Errorf("%w: %d > %d", ErrBalanceLimit, next, l.opts.MaxBalance)
	}
	if next == 0 {
		// Zero credit on an unknown identity must not create an entry.
		return 0, nil
	}
	l.balances[id] = next
	return next, nil
}

// Get returns id's remaining seconds, 0 when unknown.
func (l *Ledger[K]) Get(id K) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[id]
}

// Tick charges one second to every positive balance. Identities that reach
// zero on this tick are passed to OnExpire exactly once and returned.
func (l *Ledger[K]) Tick(ctx context.Context) []K {
	var expired []K

	l.mu.Lock()
	for id, remaining := range l.balances {
		if remaining <= 0 {
			continue // already expired and retained
		}
		remaining--
		if remaining > 0 {
			l.balances[id] = remaining
			continue
		}
		expired = append(expired, id)
		if l.opts.EvictOnExpiry {
			delete(l.balances, id)
		} else {
			l.balances[id] = 0
		}
	}
	l.mu.Unlock()

	for _, id := range expired {
		l.notify(ctx, "expire", l.opts.OnExpire, id)
	}
	return expired
}

// Claim asks OnGrant to open access for id. It requires a positive balance
// and leaves the balance untouched; time is only consumed by Tick.
//
// The grant runs without the lock, so a Tick can expire id while it is in
// flight. The balance is checked again afterwards: if it hit zero meanwhile,
// OnExpire fires so the grant that just landed is revoked again.
func (l *Ledger[K]) Claim(ctx context.Context, id K) error {
	if l.Get(id) <= 0 {
		return ErrInsufficientBalance
	}
	if l.opts.OnGrant == nil {
		return nil
	}
	if err := l.opts.OnGrant(ctx, id); err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	if l.Get(id) <= 0 {
		l.notify(ctx, "expire", l.opts.OnExpire, id)
		return ErrInsufficientBalance
	}
	return nil
}

// Snapshot copies every tracked balance, highest first.
func (l *Ledger[K]) Snapshot() []Entry[K] {
	l.mu.Lock()
	out := make([]Entry[K], 0, len(l.balances))
	for id, remaining := range l.balances {
		out = append(out, Entry[K]{Identity: id, Remaining: remaining})
	}
	l.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry[K]) int {
		return cmp.Compare(b.Remaining, a.Remaining)
	})
	return out
}

// Active counts identities with time left.
func (l *Ledger[K]) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, remaining := range l.balances {
		if remaining > 0 {
			n++
		}
	}
	return n
}

// notify runs fn for one identity. A failing or panicking notifier is logged
// and never affects the other identities of the same tick.
func (l *Ledger[K]) notify(ctx context.Context, what string, fn Notifier[K], id K) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("ledger notifier panicked",
				zap.String("notifier", what),
				zap.Any("identity", id),
				zap.Any("panic", r),
			)
		}
	}()
	if err := fn(ctx, id); err != nil {
		l.log.Error("ledger notifier failed",
			zap.String("notifier", what),
			zap.Any("identity", id),
			zap.Error(err),
		)
	}
}
