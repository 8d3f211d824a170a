package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/septivank/energy-uplink-ingest/internal/metrics"
)

// Sweeper periodically evicts stale entries from a set of named caches.
type Sweeper struct {
	interval   time.Duration
	staleAfter time.Duration
	clock      clockwork.Clock
	logger     *zap.Logger
	cron       *cron.Cron

	mu     sync.Mutex
	caches map[string]*Cache
}

// SweeperConfig holds sweeper settings.
type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// NewSweeper creates a sweeper. Caches are added with Register.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", cfg.Interval)
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive, got %s", cfg.StaleAfter)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Sweeper{
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		cron:       cron.New(),
		caches:     make(map[string]*Cache),
	}, nil
}

// Register adds a cache under name.
func (s *Sweeper) Register(name string, c *Cache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caches[name] = c
}

// Start schedules the sweep every interval.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.RunOnce() })
	if err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}
	s.cron.Start()

	s.logger.Info("cache sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("stale_after", s.staleAfter),
	)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cache sweeper stopped")
}

// RunOnce sweeps every registered cache and returns the total evicted.
func (s *Sweeper) RunOnce() int {
	s.mu.Lock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	now := s.clock.Now()
	total := 0
	for _, name := range names {
		s.mu.Lock()
		c := s.caches[name]
		s.mu.Unlock()

		evicted := c.SweepStale(now, s.staleAfter)
		metrics.CacheEntries.WithLabelValues(name).Set(float64(c.Len()))
		if len(evicted) == 0 {
			continue
		}

		total += len(evicted)
		var partial, unflushed []string
		for _, info := range evicted {
			if info.FlushFailures > 0 {
				unflushed = append(unflushed, info.Key)
				continue
			}
			partial = append(partial, info.Key)
		}

		if len(partial) > 0 {
			metrics.CacheStaleEvictionsTotal.WithLabelValues(name).Add(float64(len(partial)))
			s.logger.Warn("evicted stale partial readings",
				zap.String("deployment", name),
				zap.Int("count", len(partial)),
				zap.Strings("keys", partial),
			)
		}
		if len(unflushed) > 0 {
			metrics.CacheUnflushedEvictionsTotal.WithLabelValues(name).Add(float64(len(unflushed)))
			s.logger.Error("evicted complete readings that were never written",
				zap.String("deployment", name),
				zap.Int("count", len(unflushed)),
				zap.Strings("keys", unflushed),
			)
		}
	}
	return total
}
