package exam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron"
)

// DefaultSweepSchedule runs the expiry sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper runs SweepExpired, plus any extra housekeeping jobs, on a cron schedule.
type Sweeper struct {
	cron    *cron.Cron
	manager *Manager
	extra   []func(ctx context.Context) error
	timeout time.Duration

	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup
}

// NewSweeper schedules the sweep with a cron spec such as "@every 30s".
func NewSweeper(m *Manager, schedule string, extra ...func(ctx context.Context) error) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		cron:    cron.New(),
		manager: m,
		extra:   extra,
		timeout: 30 * time.Second,
	}
	if err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		slog.Error("expiry sweep failed", "error", err)
	}
}

// RunOnce performs one sweep and the extra jobs, returning the number of
// sessions expired.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.manager.SweepExpired(ctx)
	if n > 0 {
		slog.Info("expired exam sessions", "count", n)
	}
	for _, job := range s.extra {
		if jerr := job(ctx); jerr != nil {
			slog.Error("sweep job failed", "error", jerr)
		}
	}
	return n, err
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a sweep already in progress to
// finish. No scheduled sweep starts after Stop returns.
func (s *Sweeper) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.running.Wait()
}
