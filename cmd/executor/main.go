// The executor submits approved orders to the configured venue adapter and
// publishes terminal order statuses back onto the bus.
package main

import (
	"context"
	"net/http"

	"tradefleet/internal/app"
	"tradefleet/internal/exchange"
	"tradefleet/internal/executor"
	"tradefleet/internal/stream"
)

var groups = []stream.GroupRef{
	{Stream: stream.ExecOrders, Group: executor.Group},
}

func main() {
	app.Main("executor", groups, func(_ context.Context, d app.Deps) (app.Runtime, error) {
		adapter, err := exchange.New(d.Cfg.Exchange, d.Logger)
		if err != nil {
			return app.Runtime{}, err
		}

		svc := executor.NewService(adapter, executor.NewRedisStore(d.RDB), d.Bus, d.Logger, d.Metrics)
		return app.Runtime{
			Routes: func(mux *http.ServeMux) { svc.Routes(mux) },
			Consume: func(ctx context.Context) error {
				return svc.Run(ctx, d.IdempTTL(), d.Cfg.Stream.MaxFailures)
			},
		}, nil
	})
}
