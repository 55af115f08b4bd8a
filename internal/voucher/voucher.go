package voucher

import (
	"errors"
	"time"
)

var (
	// ErrInvalidVoucher covers unknown, already redeemed, expired and
	// wrong-identity codes. Callers cannot tell these apart on purpose.
	ErrInvalidVoucher = errors.New("invalid voucher")
	// ErrCodeSpaceExhausted means no unused code could be found. The code
	// length is too small for the number of outstanding vouchers.
	ErrCodeSpaceExhausted = errors.New("voucher code space exhausted")
	ErrInvalidCredit      = errors.New("voucher credit must not be negative")
)

// Scope restricts who may redeem a voucher. The zero value is unscoped.
type Scope[K comparable] struct {
	Identity K
	Bound    bool
}

// Unscoped returns a scope any identity can redeem.
func Unscoped[K comparable]() Scope[K] {
	return Scope[K]{}
}

// For returns a scope bound to a single identity.
func For[K comparable](id K) Scope[K] {
	return Scope[K]{Identity: id, Bound: true}
}

// Permits reports whether id may redeem under this scope.
func (s Scope[K]) Permits(id K) bool {
	return !s.Bound || s.Identity == id
}

// Voucher is a single-use claim on CreditSeconds of access time.
type Voucher[K comparable] struct {
	Code          string
	Scope         Scope[K]
	CreditSeconds int64
	IssuedAt      time.Time
	// ExpiresAt is zero for vouchers that never expire.
	ExpiresAt time.Time
}

// Expired reports whether the voucher's TTL has passed at now.
func (v Voucher[K]) Expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}
