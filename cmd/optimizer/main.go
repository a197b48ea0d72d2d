// The optimizer backtests the confidence grid on loss-triggered or manual
// requests and holds proposals for operator approval.
package main

import (
	"context"
	"net/http"

	"tradefleet/internal/app"
	"tradefleet/internal/auditlog"
	"tradefleet/internal/optimizer"
	"tradefleet/internal/params"
	"tradefleet/internal/stream"
)

var groups = []stream.GroupRef{
	{Stream: stream.OptRequests, Group: optimizer.Group},
}

func main() {
	app.Main("optimizer", groups, func(ctx context.Context, d app.Deps) (app.Runtime, error) {
		rec, err := auditlog.Open(ctx, d.Cfg.Postgres, d.Logger)
		if err != nil {
			return app.Runtime{}, err
		}

		svc := optimizer.NewService(
			params.NewStore(d.RDB, d.Logger),
			optimizer.NewRedisStore(d.RDB),
			d.Bus, rec, d.Logger, d.Metrics,
		)
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
