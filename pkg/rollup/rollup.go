// Package rollup keeps the hourly statistics of recent hours current.
package rollup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HourRecomputer rebuilds the statistics of one hour bucket.
type HourRecomputer interface {
	RecomputeHour(ctx context.Context, hour time.Time) error
}

// Service is a background job that periodically recomputes the previous
// and the current hour.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	RunPass(ctx context.Context) error
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log      logrus.FieldLogger
	stats    HourRecomputer
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a roll-up service.
func New(log logrus.FieldLogger, stats HourRecomputer, interval time.Duration) Service {
	return &service{
		log:      log.WithField("component", "rollup"),
		stats:    stats,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches a goroutine that runs a pass immediately and then at
// every interval.
func (s *service) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("rollup interval must be positive")
	}

	s.log.WithField("interval", s.interval.String()).Info("Starting stats roll-up")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.logPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.logPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the goroutine to stop and waits for it.
func (s *service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.log.Info("Stats roll-up stopped")
	})

	return nil
}

func (s *service) logPass(ctx context.Context) {
	if err := s.RunPass(ctx); err != nil {
		s.log.WithError(err).Warn("Stats roll-up pass failed")
	}
}

// RunPass recomputes the previous and the current hour. Both hours are
// attempted even when the first fails.
func (s *service) RunPass(ctx context.Context) error {
	start := time.Now()
	current := s.now().UTC().Truncate(time.Hour)

	var errs []error

	for _, hour := range []time.Time{current.Add(-time.Hour), current} {
		if err := s.stats.RecomputeHour(ctx, hour); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.log.WithField("duration", time.Since(start).String()).Debug("Stats roll-up pass completed")

	return nil
}
