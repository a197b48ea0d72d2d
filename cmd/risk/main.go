// The risk service evaluates signals against the active risk parameters
// and answers with approve/reject decisions.
package main

import (
	"context"
	"net/http"

	"tradefleet/internal/app"
	"tradefleet/internal/params"
	"tradefleet/internal/risk"
	"tradefleet/internal/stream"
)

var groups = []stream.GroupRef{
	{Stream: stream.RiskRequests, Group: risk.Group},
}

func main() {
	app.Main("risk", groups, func(_ context.Context, d app.Deps) (app.Runtime, error) {
		svc := risk.NewService(params.NewStore(d.RDB, d.Logger), d.Bus, d.Logger, d.Metrics)
		return app.Runtime{
			Routes: func(mux *http.ServeMux) { svc.Routes(mux) },
			Consume: func(ctx context.Context) error {
				return svc.Run(ctx, d.IdempTTL(), d.Cfg.Stream.MaxFailures)
			},
		}, nil
	})
}
