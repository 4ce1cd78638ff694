package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rutapos/core/internal/metrics"
)

// Sweeper ticks the lifecycle sweep on an interval. The tick is for UI
// freshness only; expiration correctness is carried by EffectiveStatus on
// every read path.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewSweeper(l *Ledger, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Sweeper{ledger: l, interval: interval, metrics: m, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.ledger.Sweep(ctx, now); n > 0 {
				s.metrics.PaymentsExpired.Add(float64(n))
				s.logger.Info("payments expired", zap.Int("count", n))
			}
		}
	}
}
