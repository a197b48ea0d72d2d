// The notifier consumes fleet events, stores the recent history, fans them
// out to WebSocket subscribers, and posts severity-routed webhooks.
package main

import (
	"context"
	"net/http"

	"tradefleet/internal/app"
	"tradefleet/internal/notifier"
	"tradefleet/internal/stream"
)

var groups = []stream.GroupRef{
	{Stream: stream.NotifyEvents, Group: notifier.Group},
}

func main() {
	app.Main("notifier", groups, func(_ context.Context, d app.Deps) (app.Runtime, error) {
		hub := notifier.NewHub(d.Logger)
		svc := notifier.NewService(d.Cfg.Notify, notifier.NewRedisStore(d.RDB), hub, d.Bus, d.Logger, d.Metrics)
		return app.Runtime{
			Routes: func(mux *http.ServeMux) { svc.Routes(mux, d.AdminToken) },
			Consume: func(ctx context.Context) error {
				go hub.Run(ctx)
				return svc.Run(ctx, d.IdempTTL(), d.Cfg.Stream.MaxFailures)
			},
		}, nil
	})
}
