package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Supervisor owns one monitor per chain.
type Supervisor struct {
	monitors []*Monitor
	logger   *slog.Logger
}

// NewSupervisor creates a supervisor over monitors. Chain IDs must be unique.
func NewSupervisor(logger *slog.Logger, monitors ...*Monitor) (*Supervisor, error) {
	seen := make(map[uint64]bool, len(monitors))
	for _, m := range monitors {
		if seen[m.ChainID()] {
			return nil, fmt.Errorf("duplicate monitor for chain %d", m.ChainID())
		}
		seen[m.ChainID()] = true
	}

	sorted := append([]*Monitor(nil), monitors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChainID() < sorted[j].ChainID() })
	return &Supervisor{monitors: sorted, logger: logger}, nil
}

// Start starts every monitor concurrently. If any fails to start, the ones
// that did start are stopped again and the first error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range s.monitors {
		g.Go(func() error {
			return m.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		s.Stop()
		s.Wait()
		return err
	}

	s.logger.Info("monitors started", "count", len(s.monitors))
	return nil
}

// Stop signals every monitor to stop.
func (s *Supervisor) Stop() {
	for _, m := range s.monitors {
		m.Stop()
	}
}

// Wait blocks until every monitor has drained.
func (s *Supervisor) Wait() {
	for _, m := range s.monitors {
		m.Wait()
	}
}

// Status returns the status of every monitor ordered by chain ID.
func (s *Supervisor) Status() []Status {
	out := make([]Status, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m.Status())
	}
	return out
}

// Monitor returns the monitor for chainID, if any.
func (s *Supervisor) Monitor(chainID uint64) (*Monitor, bool) {
	for _, m := range s.monitors {
		if m.ChainID() == chainID {
			return m, true
		}
	}
	return nil, false
}
