package stream

import (
	"context"
	"log/slog"
	"time"

	"tradefleet/internal/metrics"
)

// GroupRef identifies one stream/group pair a process consumes.
type GroupRef struct {
	Stream string
	Group  string
}

// Sampler periodically publishes pending counts and DLQ depths as gauges.
// DLQ depth is the alerting signal for stuck payloads.
type Sampler struct {
	bus      *Bus
	m        *metrics.Registry
	logger   *slog.Logger
	groups   []GroupRef
	interval time.Duration
}

func NewSampler(bus *Bus, m *metrics.Registry, logger *slog.Logger, groups []GroupRef) *Sampler {
	return &Sampler{
		bus:      bus,
		m:        m,
		logger:   logger.With("component", "stream_sampler"),
		groups:   groups,
		interval: 5 * time.Second,
	}
}

// Run samples until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	sampledDLQ := make(map[string]bool)
	for _, g := range s.groups {
		n, err := s.bus.PendingCount(ctx, g.Stream, g.Group)
		if err != nil {
			s.logger.Debug("pending sample failed", "stream", g.Stream, "group", g.Group, "error", err)
			continue
		}
		s.m.StreamPending.WithLabelValues(g.Stream, g.Group).Set(float64(n))

		dlq := DLQName(g.Stream)
		if sampledDLQ[dlq] {
			continue
		}
		sampledDLQ[dlq] = true
		depth, err := s.bus.Len(ctx, dlq)
		if err != nil {
			s.logger.Debug("dlq depth sample failed", "stream", dlq, "error", err)
			continue
		}
		s.m.DLQDepth.WithLabelValues(dlq).Set(float64(depth))
	}
}
