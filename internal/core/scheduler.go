package core

import (
	"context"
	"log/slog"
	"time"

	"pollci/internal/clock"
)

// DefaultPollInterval is used when neither the pipeline nor the config set
// one.
const DefaultPollInterval = time.Hour

// ChangeSource reports whether new work exists since the last call.
type ChangeSource interface {
	HasChanges(ctx context.Context) (bool, error)
}

// Scheduler polls a change source on a fixed interval and submits one run
// request per detected change. It never starts runs itself; the gate
// serialises them.
type Scheduler struct {
	Source      ChangeSource
	Gate        Submitter
	Interval    time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
	PollOnStart bool
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.Real()
	}

	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	s.logger().Info("trigger scheduler started", "interval", interval)

	if s.PollOnStart {
		s.PollOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			s.logger().Info("trigger scheduler stopped")
			return nil
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce asks the source once and submits a request on change. It returns
// the admission ("" when nothing was submitted) and any *PollFailedError.
func (s *Scheduler) PollOnce(ctx context.Context) (Admission, error) {
	changed, err := s.Source.HasChanges(ctx)
	if err != nil {
		pollErr := &PollFailedError{Cause: err}
		s.logger().Warn("change source poll failed, retrying next interval", "error", pollErr)
		return "", pollErr
	}
	if !changed {
		s.logger().Debug("no changes detected")
		return "", nil
	}

	admission := s.Gate.Submit("source change")
	s.logger().Info("change detected", "admission", admission)
	return admission, nil
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
