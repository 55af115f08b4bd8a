package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// recorder collects notifier calls.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *recorder) notify(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.fail[id]
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == id {
			n++
		}
	}
	return n
}

func tickN(l *Ledger[string], n int) {
	for i := 0; i < n; i++ {
		l.Tick(context.Background())
	}
}

// ── Credit / Get ─────────────────────────────────────────────────────────────

func TestCredit_Accumulates(t *testing.T) {
	l := New(Options[string]{}, nil)

	bal, err := l.Credit("X", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(60), bal)

	bal, err = l.Credit("X", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(120), bal)
	assert.Equal(t, int64(120), l.Get("X"))
}

func TestGet_Unknown(t *testing.T) {
	l := New(Options[string]{}, nil)
	assert.Zero(t, l.Get("nobody"))
}

func TestCredit_Negative(t *testing.T) {
	l := New(Options[string]{}, nil)
	_, err := l.Credit("X", -5)
	assert.ErrorIs(t, err, ErrNegativeCredit)
	assert.Empty(t, l.Snapshot())
}

func TestCredit_ZeroDoesNotCreateEntry(t *testing.T) {
	l := New(Options[string]{}, nil)
	bal, err := l.Credit("X", 0)
	require.NoError(t, err)
	assert.Zero(t, bal)
	assert.Empty(t, l.Snapshot())
}

func TestCredit_MaxBalance(t *testing.T) {
	l := New(Options[string]{MaxBalance: 100}, nil)

	_, err := l.Credit("X", 80)
	require.NoError(t, err)

	bal, err := l.Credit("X", 30)
	assert.ErrorIs(t, err, ErrBalanceLimit)
	assert.Equal(t, int64(80), bal, "rejected credit leaves the balance as it was")

	bal, err = l.Credit("X", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestCredit_ComparableKeys(t *testing.T) {
	type mac [6]byte
	l := New(Options[mac]{}, nil)
	a := mac{0xde, 0xad, 0xbe, 0xef, 0, 1}

	_, err := l.Credit(a, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), l.Get(a))
	assert.Zero(t, l.Get(mac{}))
}

// ── Tick ─────────────────────────────────────────────────────────────────────

func TestTick_DecrementsToZeroAndNotifiesOnce(t *testing.T) {
	rec := &recorder{}
	l := New(Options[string]{OnExpire: rec.notify}, nil)
	_, _ = l.Credit("A", 5)

	for i := 1; i <= 4; i++ {
		expired := l.Tick(context.Background())
		assert.Empty(t, expired, "tick %d", i)
		assert.Equal(t, int64(5-i), l.Get("A"))
	}

	expired := l.Tick(context.Background())
	assert.Equal(t, []string{"A"}, expired)
	assert.Equal(t, 1, rec.count("A"))

	tickN(l, 10)
	assert.Zero(t, l.Get("A"))
	assert.Equal(t, 1, rec.count("A"), "no repeat notification while at zero")
}

func TestTick_Property(t *testing.T) {
	for _, tc := range []struct{ balance, ticks int }{
		{1, 1}, {1, 5}, {7, 7}, {7, 20}, {300, 300}, {3, 0}, {10, 4},
	} {
		rec := &recorder{}
		l := New(Options[string]{OnExpire: rec.notify}, nil)
		_, _ = l.Credit("id", int64(tc.balance))

		tickN(l, tc.ticks)

		want := int64(max(0, tc.balance-tc.ticks))
		assert.Equal(t, want, l.Get("id"), "B=%d N=%d", tc.balance, tc.ticks)
		wantCalls := 0
		if tc.ticks >= tc.balance {
			wantCalls = 1
		}
		assert.Equal(t, wantCalls, rec.count("id"), "B=%d N=%d", tc.balance, tc.ticks)
	}
}

func TestTick_EvictVersusRetain(t *testing.T) {
	evict := New(Options[string]{EvictOnExpiry: true}, nil)
	retain := New(Options[string]{EvictOnExpiry: false}, nil)
	for _, l := range []*Ledger[string]{evict, retain} {
		_, _ = l.Credit("A", 2)
		_, _ = l.Credit("B", 10)
		tickN(l, 2)
	}

	assert.Equal(t, []Entry[string]{{"B", 8}}, evict.Snapshot())
	assert.Equal(t, []Entry[string]{{"B", 8}, {"A", 0}}, retain.Snapshot())
	assert.Equal(t, 1, evict.Active())
	assert.Equal(t, 1, retain.Active())
}

func TestTick_RecreditAfterExpiry(t *testing.T) {
	for _, evict := range []bool{true, false} {
		rec := &recorder{}
		l := New(Options[string]{EvictOnExpiry: evict, OnExpire: rec.notify}, nil)

		_, _ = l.Credit("A", 1)
		tickN(l, 3)
		require.Equal(t, 1, rec.count("A"))

		bal, err := l.Credit("A", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), bal)

		tickN(l, 2)
		assert.Equal(t, 2, rec.count("A"), "second episode expires again (evict=%v)", evict)
	}
}

func TestTick_NotifierFailureIsolated(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	rec := &recorder{fail: map[string]error{"bad": errors.New("gateway down")}}
	l := New(Options[string]{OnExpire: rec.notify}, zap.New(core))

	for _, id := range []string{"bad", "good1", "good2"} {
		_, _ = l.Credit(id, 1)
	}
	expired := l.Tick(context.Background())

	sort.Strings(expired)
	assert.Equal(t, []string{"bad", "good1", "good2"}, expired)
	assert.Equal(t, 1, rec.count("good1"))
	assert.Equal(t, 1, rec.count("good2"))
	assert.Equal(t, 1, logs.FilterMessage("ledger notifier failed").Len())
}

func TestTick_NotifierPanicIsolated(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	rec := &recorder{}
	l := New(Options[string]{OnExpire: func(ctx context.Context, id string) error {
		if id == "boom" {
			panic("kaboom")
		}
		return rec.notify(ctx, id)
	}}, zap.New(core))

	_, _ = l.Credit("boom", 1)
	_, _ = l.Credit("fine", 1)

	assert.NotPanics(t, func() { l.Tick(context.Background()) })
	assert.Equal(t, 1, rec.count("fine"))
	assert.Equal(t, 1, logs.FilterMessage("ledger notifier panicked").Len())
}

func TestTick_NotifierRunsWithoutLock(t *testing.T) {
	var l *Ledger[string]
	l = New(Options[string]{OnExpire: func(_ context.Context, id string) error {
		// Would deadlock if Tick still held the ledger lock.
		_, err := l.Credit(id+"-followup", 1)
		return err
	}}, nil)
	_, _ = l.Credit("A", 1)

	l.Tick(context.Background())
	assert.Equal(t, int64(1), l.Get("A-followup"))
}

// ── Claim ────────────────────────────────────────────────────────────────────

func TestClaim(t *testing.T) {
	rec := &recorder{}
	l := New(Options[string]{OnGrant: rec.notify}, nil)

	err := l.Claim(context.Background(), "A")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, rec.count("A"))

	_, _ = l.Credit("A", 30)
	require.NoError(t, l.Claim(context.Background(), "A"))
	require.NoError(t, l.Claim(context.Background(), "A"))
	assert.Equal(t, 2, rec.count("A"))
	assert.Equal(t, int64(30), l.Get("A"), "claim never consumes time")
}

func TestClaim_AfterExpiry(t *testing.T) {
	l := New(Options[string]{}, nil)
	_, _ = l.Credit("A", 1)
	l.Tick(context.Background())

	assert.ErrorIs(t, l.Claim(context.Background(), "A"), ErrInsufficientBalance)
}

func TestClaim_GrantFailure(t *testing.T) {
	gwErr := errors.New("router unreachable")
	rec := &recorder{fail: map[string]error{"A": gwErr}}
	l := New(Options[string]{OnGrant: rec.notify}, nil)
	_, _ = l.Credit("A", 30)

	err := l.Claim(context.Background(), "A")
	assert.ErrorIs(t, err, gwErr)
	assert.Equal(t, int64(30), l.Get("A"))
}

func TestClaim_ExpiryDuringGrant(t *testing.T) {
	gw := &struct {
		sync.Mutex
		open bool
	}{}
	var l *Ledger[string]
	l = New(Options[string]{
		OnGrant: func(ctx context.Context, id string) error {
			// The balance runs out while the gateway call is in flight.
			l.Tick(ctx)
			gw.Lock()
			gw.open = true
			gw.Unlock()
			return nil
		},
		OnExpire: func(_ context.Context, id string) error {
			gw.Lock()
			gw.open = false
			gw.Unlock()
			return nil
		},
	}, nil)
	_, _ = l.Credit("A", 1)

	err := l.Claim(context.Background(), "A")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, l.Get("A"))

	tickN(l, 5)
	gw.Lock()
	defer gw.Unlock()
	assert.False(t, gw.open, "zero balance must not keep access")
}

// ── Concurrency ──────────────────────────────────────────────────────────────

func TestConcurrentCreditAndTick(t *testing.T) {
	rec := &recorder{}
	l := New(Options[string]{OnExpire: rec.notify}, nil)

	const (
		writers = 8
		credits = 100
		ticks   = 50
	)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < credits; i++ {
				_, _ = l.Credit("shared", 1)
				_ = l.Get("shared")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tickN(l, ticks)
	}()
	wg.Wait()

	// Each tick removes at most one second, and never below zero.
	got := l.Get("shared")
	assert.GreaterOrEqual(t, got, int64(writers*credits-ticks))
	assert.LessOrEqual(t, got, int64(writers*credits))
}
