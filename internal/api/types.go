package api

import "time"

// Kiosk actions. The signed message's action must match the route.
const (
	ActionIssueVoucher = "issue_voucher"
	ActionCredit       = "credit"
	ActionListBalances = "list_balances"
)

type RedeemRequest struct {
	Code string `json:"code" binding:"required"`
}

type RedeemResponse struct {
	CreditedSeconds  int64 `json:"credited_seconds"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

type BalanceResponse struct {
	Identity         string `json:"identity"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

// EarnPayload is the signed payload of the kiosk voucher and credit routes.
// Identity may be empty when issuing an unscoped voucher.
type EarnPayload struct {
	Identity string `json:"identity,omitempty"`
	Bottles  int    `json:"bottles"`
}

type VoucherResponse struct {
	Code          string     `json:"code"`
	CreditSeconds int64      `json:"credit_seconds"`
	Identity      string     `json:"identity,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type CreditResponse struct {
	CreditedSeconds  int64 `json:"credited_seconds"`
	RemainingSeconds int64 `json:"remaining_seconds"`
	Granted          bool  `json:"granted"`
}

type BalancesResponse struct {
	Balances []BalanceResponse `json:"balances"`
}
