package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ClassMarket/classmarket-core/pkg/lifecycle"
)

// DefaultSweepInterval is how often expired tokens are deleted.
const DefaultSweepInterval = time.Hour

// ExpiredSweeper deletes tokens that expired before now. [*Store]
// implements it.
type ExpiredSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper wraps the expired-token sweep into a [lifecycle.Worker].
type Sweeper struct {
	*lifecycle.Worker

	sweeper ExpiredSweeper
	now     func() time.Time
	logger  *slog.Logger
	swept   prometheus.Counter
}

// SweeperConfig configures [NewSweeper].
type SweeperConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	// Registerer receives the swept-rows counter. Nil skips registration.
	Registerer prometheus.Registerer
}

// NewSweeper returns a worker that calls store.SweepExpired every interval,
// starting right away.
func NewSweeper(store ExpiredSweeper, cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Sweeper{
		sweeper: store,
		now:     time.Now,
		logger:  cfg.Logger,
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classmarket",
			Subsystem: "refresh",
			Name:      "swept_tokens_total",
			Help:      "Expired refresh tokens deleted by the sweeper.",
		}),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(s.swept); err != nil {
			return nil, err
		}
	}

	w, err := lifecycle.NewWorkerBuilder("refresh-token-sweeper", cfg.Interval, s.sweep).
		WithTaskTimeout(cfg.Timeout).
		WithRunOnStart().
		WithLogger(cfg.Logger).
		Build()
	if err != nil {
		return nil, err
	}
	s.Worker = w
	return s, nil
}

func (s *Sweeper) sweep(ctx context.Context) error {
	n, err := s.sweeper.SweepExpired(ctx, s.now())
	if err != nil {
		return err
	}
	s.swept.Add(float64(n))
	if n > 0 {
		s.logger.InfoContext(ctx, "refresh: swept expired tokens", "count", n)
	}
	return nil
}
