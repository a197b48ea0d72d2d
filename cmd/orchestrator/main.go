// The orchestrator accepts trading runs, routes them through the analyst,
// risk, and executor by the configured communication mode, settles realized
// profit into the daily PnL ledger, and exposes the operator surface
// (pnl, halt/unhalt, stream admin, audit log, chat).
package main

import (
	"context"
	"net/http"
	"time"

	"tradefleet/internal/app"
	"tradefleet/internal/auditlog"
	"tradefleet/internal/orchestrator"
	"tradefleet/internal/pnl"
	"tradefleet/internal/stream"
)

var groups = []stream.GroupRef{
	{Stream: stream.Signals, Group: orchestrator.Group},
	{Stream: stream.RiskResponses, Group: orchestrator.Group},
	{Stream: stream.ExecStatus, Group: orchestrator.Group},
}

func main() {
	app.Main("orchestrator", groups, func(ctx context.Context, d app.Deps) (app.Runtime, error) {
		ledger := pnl.NewLedger(d.RDB, d.Cfg.PnL, d.Logger, d.Metrics)
		cooldown := orchestrator.NewRedisCooldown(d.RDB, time.Duration(d.Cfg.Optimizer.CooldownSeconds)*time.Second)

		rec, err := auditlog.Open(ctx, d.Cfg.Postgres, d.Logger)
		if err != nil {
			return app.Runtime{}, err
		}

		svc := orchestrator.NewService(d.Cfg, d.Bus, ledger, cooldown, rec, d.Logger, d.Metrics)
		return app.Runtime{
			Routes: func(mux *http.ServeMux) { svc.Routes(mux, d.AdminToken) },
			Consume: func(ctx context.Context) error {
				return svc.Run(ctx, d.IdempTTL(), d.Cfg.Stream.MaxFailures)
			},
			Close: func() {
				if store, ok := rec.(*auditlog.Store); ok {
					store.Close()
				}
			},
		}, nil
	})
}
