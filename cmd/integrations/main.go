// The integrations broker watches critical events and fans them out to the
// ticketing and knowledge-base webhooks.
package main

import (
	"context"
	"net/http"

	"tradefleet/internal/app"
	"tradefleet/internal/integrations"
	"tradefleet/internal/stream"
)

var groups = []stream.GroupRef{
	{Stream: stream.NotifyEvents, Group: integrations.Group},
}

func main() {
	app.Main("integrations", groups, func(_ context.Context, d app.Deps) (app.Runtime, error) {
		svc := integrations.NewService(integrations.WebhookDeps(d.Cfg.Integrations), d.Bus, d.Logger, d.Metrics)
		return app.Runtime{
			Routes: func(mux *http.ServeMux) { svc.Routes(mux) },
			Consume: func(ctx context.Context) error {
				return svc.Run(ctx, d.IdempTTL(), d.Cfg.Stream.MaxFailures)
			},
		}, nil
	})
}
