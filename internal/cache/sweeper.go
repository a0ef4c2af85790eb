package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultSweepInterval = 10 * time.Minute

// Sweepable is anything holding entries that age out.
type Sweepable interface {
	Sweep(now time.Time) int
}

// Sweeper periodically evicts expired entries from a set of stores.
type Sweeper struct {
	interval time.Duration
	targets  map[string]Sweepable
	log      *logrus.Logger
	now      func() time.Time

	// OnSweep, when set, receives the per-target removal counts of each pass.
	OnSweep func(removed map[string]int)
}

func NewSweeper(interval time.Duration, log *logrus.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		interval: interval,
		targets:  make(map[string]Sweepable),
		log:      log,
		now:      time.Now,
	}
}

// Add registers a store under a name used in logs. Not safe to call once Run
// has started.
func (s *Sweeper) Add(name string, target Sweepable) {
	s.targets[name] = target
}

// SweepOnce runs a single pass and returns how many entries each target dropped.
func (s *Sweeper) SweepOnce() map[string]int {
	now := s.now()
	removed := make(map[string]int, len(s.targets))
	for name, target := range s.targets {
		removed[name] = target.Sweep(now)
	}
	if s.OnSweep != nil {
		s.OnSweep(removed)
	}
	return removed
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.SweepOnce()
			fields := logrus.Fields{}
			for name, n := range removed {
				fields[name] = n
			}
			s.log.WithFields(fields).Debug("Swept expired entries")
		}
	}
}
