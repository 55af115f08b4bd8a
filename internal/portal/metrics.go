package portal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var vouchersIssued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "portal_vouchers_issued_total",
	Help: "Vouchers issued to kiosks",
})

var vouchersRedeemed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "portal_vouchers_redeemed_total",
	Help: "Vouchers successfully redeemed",
})

var redeemFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "portal_redeem_failures_total",
	Help: "Rejected redemptions, by reason",
}, []string{"reason"})

var vouchersPurged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "portal_vouchers_purged_total",
	Help: "Vouchers dropped after their TTL passed",
})

var secondsCredited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "portal_seconds_credited_total",
	Help: "Access seconds added to balances",
})

var expiries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "portal_expiries_total",
	Help: "Balances that reached zero",
})

var claims = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "portal_claims_total",
	Help: "Access claims, by outcome",
}, []string{"outcome"})

var activeIdentities = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "portal_active_identities",
	Help: "Identities with time left, sampled every tick",
})

var outstandingVouchers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "portal_outstanding_vouchers",
	Help: "Issued vouchers not yet redeemed",
})

var unpaidBlocks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "portal_unpaid_blocks_total",
	Help: "Identities blocked on first sighting without time",
})
