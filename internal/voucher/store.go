package voucher

import (
	"fmt"
	"sync"
	"time"

	"github.com/bottlescan/portal/internal/clock"
)

const DefaultMaxAttempts = 32

// Options configures a Store. Zero values select the defaults.
type Options struct {
	CodeLength  int
	MaxAttempts int
	// TTL bounds how long an issued voucher stays redeemable. 0 disables expiry.
	TTL       time.Duration
	Clock     clock.Clock
	Generator Generator
}

// Store holds unredeemed vouchers keyed by code.
type Store[K comparable] struct {
	mu       sync.Mutex
	vouchers map[string]Voucher[K]

	codeLength  int
	maxAttempts int
	ttl         time.Duration
	clock       clock.Clock
	gen         Generator
}

func NewStore[K comparable](opts Options) (*Store[K], error) {
	if opts.CodeLength == 0 {
		opts.CodeLength = DefaultCodeLength
	}
	if opts.CodeLength < MinCodeLength || opts.CodeLength > MaxCodeLength {
		return nil, fmt.Errorf("code length %d outside [%d, %d]", opts.CodeLength, MinCodeLength, MaxCodeLength)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.TTL < 0 {
		return nil, fmt.Errorf("negative voucher ttl %s", opts.TTL)
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Generator == nil {
		opts.Generator = NumericGenerator{Length: opts.CodeLength}
	}
	return &Store[K]{
		vouchers:    make(map[string]Voucher[K]),
		codeLength:  opts.CodeLength,
		maxAttempts: opts.MaxAttempts,
		ttl:         opts.TTL,
		clock:       opts.Clock,
		gen:         opts.Generator,
	}, nil
}

// Issue creates a voucher worth creditSeconds under a fresh code.
func (s *Store[K]) Issue(scope Scope[K], creditSeconds int64) (Voucher[K], error) {
	if creditSeconds < 0 {
		return Voucher[K]{}, ErrInvalidCredit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(len(s.vouchers)) >= SpaceSize(s.codeLength) {
		return Voucher[K]{}, fmt.Errorf("%w: all %d codes outstanding", ErrCodeSpaceExhausted, len(s.vouchers))
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		code, err := s.gen.Generate()
		if err != nil {
			return Voucher[K]{}, fmt.Errorf("generate code: %w", err)
		}
		if !ValidFormat(code, s.codeLength) {
			return Voucher[K]{}, fmt.Errorf("generator returned malformed code %q", code)
		}
		if _, taken := s.vouchers[code]; taken {
			continue
		}

		now := s.clock.Now()
		v := Voucher[K]{
			Code:          code,
			Scope:         scope,
			CreditSeconds: creditSeconds,
			IssuedAt:      now,
		}
		if s.ttl > 0 {
			v.ExpiresAt = now.Add(s.ttl)
		}
		s.vouchers[code] = v
		return v, nil
	}
	return Voucher[K]{}, fmt.Errorf("%w: %d collisions in a row", ErrCodeSpaceExhausted, s.maxAttempts)
}

// Redeem looks up code for id and, while the store lock is still held, passes
// the voucher to apply. The voucher is removed only when apply returns nil, so
// redemption and whatever apply does form one atomic step. Two concurrent
// redeemers of the same code never both reach apply.
func (s *Store[K]) Redeem(id K, code string, apply func(Voucher[K]) error) (Voucher[K], error) {
	code = Normalize(code)
	if !ValidFormat(code, s.codeLength) {
		return Voucher[K]{}, fmt.Errorf("%w: malformed code", ErrInvalidVoucher)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vouchers[code]
	if !ok {
		return Voucher[K]{}, fmt.Errorf("%w: unknown code", ErrInvalidVoucher)
	}
	if v.Expired(s.clock.Now()) {
		delete(s.vouchers, code)
		return Voucher[K]{}, fmt.Errorf("%w: expired", ErrInvalidVoucher)
	}
	if !v.Scope.Permits(id) {
		return Voucher[K]{}, fmt.Errorf("%w: scoped to another identity", ErrInvalidVoucher)
	}
	if apply != nil {
		if err := apply(v); err != nil {
			return Voucher[K]{}, err
		}
	}
	delete(s.vouchers, code)
	return v, nil
}

// PurgeExpired drops vouchers whose TTL has passed and returns how many.
func (s *Store[K]) PurgeExpired() int {
	if s.ttl == 0 {
		return 0
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for code, v := range s.vouchers {
		if v.Expired(now) {
			delete(s.vouchers, code)
			n++
		}
	}
	return n
}

// Len returns the number of outstanding vouchers.
func (s *Store[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vouchers)
}
