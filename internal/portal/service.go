// Package portal ties the voucher store, the balance ledger and the access
// gateway together. It is the only code that touches both stores in one
// operation, and it always takes the voucher lock before the ledger lock.
package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bottlescan/portal/internal/ledger"
	"github.com/bottlescan/portal/internal/voucher"
)

var ErrInvalidBottles = errors.New("invalid bottle count")

// Options holds the earn rules.
type Options struct {
	SecondsPerBottle int64
	MaxBottles       int
	// AutoClaim opens the gateway right after a direct credit.
	AutoClaim bool
	// DenyUnpaid, when set, receives a revoke for every identity first seen
	// without time, so clients that never paid start out blocked.
	DenyUnpaid Revoker
}

// Revoker queues revocations for expired identities.
type Revoker interface {
	Schedule(ctx context.Context, identity, reason string) error
	Recover(ctx context.Context) int
}

type Service struct {
	vouchers *voucher.Store[string]
	ledger   *ledger.Ledger[string]
	opts     Options
	log      *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

func New(opts Options, vouchers *voucher.Store[string], l *ledger.Ledger[string], log *zap.Logger) *Service {
	if opts.SecondsPerBottle <= 0 {
		opts.SecondsPerBottle = 300
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{vouchers: vouchers, ledger: l, opts: opts, log: log, seen: make(map[string]struct{})}
}

// ExpireNotifier adapts a Revoker to the ledger's expiry hook.
func ExpireNotifier(r Revoker) ledger.Notifier[string] {
	return func(ctx context.Context, id string) error {
		return r.Schedule(ctx, id, "expired")
	}
}

// IssueVoucher turns an accepted deposit into a voucher. An empty identity
// issues an unscoped voucher that anyone may redeem.
func (s *Service) IssueVoucher(ctx context.Context, identity string, bottles int) (voucher.Voucher[string], error) {
	seconds, err := s.earned(bottles)
	if err != nil {
		return voucher.Voucher[string]{}, err
	}
	scope := voucher.Unscoped[string]()
	if identity != "" {
		scope = voucher.For(identity)
	}
	v, err := s.vouchers.Issue(scope, seconds)
	if err != nil {
		s.log.Error("issue voucher", zap.Int("bottles", bottles), zap.Error(err))
		return voucher.Voucher[string]{}, err
	}
	vouchersIssued.Inc()
	s.log.Info("voucher issued",
		zap.String("scope", identity),
		zap.Int64("credit_seconds", seconds),
		zap.Time("expires_at", v.ExpiresAt),
	)
	return v, nil
}

// Credit is the outcome of a direct credit.
type Credit struct {
	Seconds int64
	Balance int64
	Granted bool
}

// CreditBottles adds time straight to identity's balance, skipping the
// voucher step. With AutoClaim the gateway is opened too; a failed grant is
// logged and leaves the credit in place.
func (s *Service) CreditBottles(ctx context.Context, identity string, bottles int) (Credit, error) {
	if identity == "" {
		return Credit{}, errors.New("identity is required")
	}
	seconds, err := s.earned(bottles)
	if err != nil {
		return Credit{}, err
	}
	balance, err := s.ledger.Credit(identity, seconds)
	if err != nil {
		return Credit{Balance: balance}, err
	}
	secondsCredited.Add(float64(seconds))
	out := Credit{Seconds: seconds, Balance: balance}

	if s.opts.AutoClaim {
		if err := s.Claim(ctx, identity); err != nil {
			s.log.Warn("auto claim failed", zap.String("identity", identity), zap.Error(err))
		} else {
			out.Granted = true
		}
	}
	return out, nil
}

// Redeem credits identity with the voucher's time and destroys the voucher
// in one step. It returns the credited seconds and the new balance.
func (s *Service) Redeem(ctx context.Context, identity, code string) (int64, int64, error) {
	var balance int64
	v, err := s.vouchers.Redeem(identity, code, func(v voucher.Voucher[string]) error {
		// Runs under the voucher lock; Credit takes the ledger lock.
		b, err := s.ledger.Credit(identity, v.CreditSeconds)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		redeemFailures.WithLabelValues(failureReason(err)).Inc()
		s.log.Info("redeem rejected", zap.String("identity", identity), zap.Error(err))
		return 0, s.ledger.Get(identity), err
	}
	vouchersRedeemed.Inc()
	secondsCredited.Add(float64(v.CreditSeconds))
	s.log.Info("voucher redeemed",
		zap.String("identity", identity),
		zap.Int64("credit_seconds", v.CreditSeconds),
		zap.Int64("balance", balance),
	)
	return v.CreditSeconds, balance, nil
}

// Observe records that identity reached the portal. The first time an
// identity shows up without a positive balance it is blocked through
// DenyUnpaid; later visits and paying identities are left alone.
func (s *Service) Observe(ctx context.Context, identity string) {
	if s.opts.DenyUnpaid == nil || identity == "" {
		return
	}
	s.mu.Lock()
	_, known := s.seen[identity]
	s.seen[identity] = struct{}{}
	s.mu.Unlock()

	if known || s.ledger.Get(identity) > 0 {
		return
	}
	unpaidBlocks.Inc()
	if err := s.opts.DenyUnpaid.Schedule(ctx, identity, "unpaid"); err != nil {
		s.log.Warn("block unpaid identity", zap.String("identity", identity), zap.Error(err))
		return
	}
	s.log.Info("unpaid identity blocked", zap.String("identity", identity))
}

func (s *Service) Balance(identity string) int64 {
	return s.ledger.Get(identity)
}

// Claim opens the gateway for identity while it has time left.
func (s *Service) Claim(ctx context.Context, identity string) error {
	if err := s.ledger.Claim(ctx, identity); err != nil {
		outcome := "failed"
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			outcome = "no_balance"
		}
		claims.WithLabelValues(outcome).Inc()
		return err
	}
	claims.WithLabelValues("granted").Inc()
	s.log.Info("access granted", zap.String("identity", identity), zap.Int64("balance", s.ledger.Get(identity)))
	return nil
}

// Balances lists every tracked identity, highest balance first.
func (s *Service) Balances() []ledger.Entry[string] {
	return s.ledger.Snapshot()
}

// Stats is a cheap summary for health checks.
type Stats struct {
	Active      int `json:"active_identities"`
	Outstanding int `json:"outstanding_vouchers"`
}

func (s *Service) Stats() Stats {
	return Stats{Active: s.ledger.Active(), Outstanding: s.vouchers.Len()}
}

func (s *Service) earned(bottles int) (int64, error) {
	if bottles < 1 || (s.opts.MaxBottles > 0 && bottles > s.opts.MaxBottles) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBottles, bottles)
	}
	return int64(bottles) * s.opts.SecondsPerBottle, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, voucher.ErrInvalidVoucher):
		return "invalid"
	case errors.Is(err, ledger.ErrBalanceLimit):
		return "balance_limit"
	default:
		return "other"
	}
}
