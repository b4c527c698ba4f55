package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Service runs one independent unit per watched account. Units share only
// the read-only RPC client and a report queue.
type Service struct {
	units   []*Unit
	reports chan Report
	log     *slog.Logger
}

// NewService creates a service whose report queue holds queueSize reports.
func NewService(log *slog.Logger, queueSize int) *Service {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Service{reports: make(chan Report, queueSize), log: log}
}

// Add registers a unit for cfg that reports into the service queue.
func (s *Service) Add(cfg AccountConfig, deps Deps) (*Unit, error) {
	for _, u := range s.units {
		if u.cfg.ID == cfg.ID || (cfg.ID == "" && u.cfg.ID == cfg.Address) {
			return nil, fmt.Errorf("account %s already registered", u.cfg.ID)
		}
	}
	if deps.Log == nil {
		deps.Log = s.log
	}
	u, err := NewUnit(cfg, deps, s.reports)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", cfg.ID, err)
	}
	s.units = append(s.units, u)
	return u, nil
}

// Units returns the registered units.
func (s *Service) Units() []*Unit { return s.units }

// Reports is the queue of operator reports. Reports are dropped, and logged,
// when nobody drains it.
func (s *Service) Reports() <-chan Report { return s.reports }

// Run runs every unit until ctx is done. A failing unit does not stop the
// others; all unit failures are returned joined.
func (s *Service) Run(ctx context.Context) error {
	return s.each(func(u *Unit) error { return u.Run(ctx) })
}

// RunOnce runs a single polling cycle for every unit.
func (s *Service) RunOnce(ctx context.Context) error {
	return s.each(func(u *Unit) error {
		_, err := u.Poll(ctx)
		return err
	})
}

func (s *Service) each(fn func(*Unit) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, u := range s.units {
		g.Go(func() error {
			if err := fn(u); err != nil {
				s.log.Error("account stopped", "account", u.ID(), "state", u.State().String(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("account %s: %w", u.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
