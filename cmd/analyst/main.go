// The analyst consumes run commands, reads recent prices for the requested
// symbol, and publishes a momentum signal for the risk service.
package main

import (
	"context"
	"net/http"

	"tradefleet/internal/analyst"
	"tradefleet/internal/app"
	"tradefleet/internal/stream"
)

var groups = []stream.GroupRef{
	{Stream: stream.Commands, Group: analyst.Group},
}

func main() {
	app.Main("analyst", groups, func(_ context.Context, d app.Deps) (app.Runtime, error) {
		// Live venues read public klines; everything else walks a
		// deterministic paper series.
		var source analyst.PriceSource
		if d.Cfg.Exchange.Venue == "binance" {
			source = analyst.NewBinanceSource(d.Cfg.Exchange.Binance.BaseURL)
		} else {
			source = analyst.NewPaperSource(d.Cfg.Exchange.PaperPriceDefault)
		}

		svc := analyst.NewService(source, d.Bus, d.Logger, d.Metrics)
		return app.Runtime{
			Routes: func(mux *http.ServeMux) { svc.Routes(mux) },
			Consume: func(ctx context.Context) error {
				return svc.Run(ctx, d.IdempTTL(), d.Cfg.Stream.MaxFailures)
			},
		}, nil
	})
}
