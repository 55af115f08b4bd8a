package portal

import (
	"context"

	"go.uber.org/zap"

	"github.com/bottlescan/portal/internal/scheduler"
)

// Tasks returns the periodic work the scheduler drives: the ledger tick on
// every tick, voucher purging every purgeEvery ticks and, when r is set,
// pending revoke recovery every recoverEvery ticks.
func (s *Service) Tasks(purgeEvery, recoverEvery int, r Revoker) []scheduler.Task {
	tasks := []scheduler.Task{{
		Name: "ledger-tick",
		Run: func(ctx context.Context) {
			expired := s.ledger.Tick(ctx)
			if len(expired) > 0 {
				expiries.Add(float64(len(expired)))
				s.log.Info("balances expired", zap.Strings("identities", expired))
			}
			activeIdentities.Set(float64(s.ledger.Active()))
			outstandingVouchers.Set(float64(s.vouchers.Len()))
		},
	}, {
		Name:  "voucher-purge",
		Every: purgeEvery,
		Run: func(context.Context) {
			if n := s.vouchers.PurgeExpired(); n > 0 {
				vouchersPurged.Add(float64(n))
				s.log.Info("expired vouchers purged", zap.Int("count", n))
			}
		},
	}}
	if r != nil {
		tasks = append(tasks, scheduler.Task{
			Name:  "revoke-recover",
			Every: recoverEvery,
			Run:   func(ctx context.Context) { r.Recover(ctx) },
		})
	}
	return tasks
}
