package layout

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Scheduler is a single-consumer task queue for reconciliation passes. It
// holds at most one pending pass: triggers that arrive while a pass is
// pending fold into it.
type Scheduler struct {
	pending chan struct{}
	pass    func(context.Context) error
	log     *zap.Logger

	triggers  atomic.Int64
	passes    atomic.Int64
	coalesced atomic.Int64
}

func NewScheduler(pass func(context.Context) error, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{pending: make(chan struct{}, 1), pass: pass, log: log}
}

// ForEngine schedules Engine.Reconcile.
func ForEngine(e *Engine, log *zap.Logger) *Scheduler {
	return NewScheduler(func(ctx context.Context) error {
		_, err := e.Reconcile(ctx)
		return err
	}, log)
}

// Trigger requests a pass and never blocks.
func (s *Scheduler) Trigger() {
	s.triggers.Add(1)
	select {
	case s.pending <- struct{}{}:
	default:
		s.coalesced.Add(1)
	}
}

// Run consumes pending passes until ctx is done. Pass errors are logged; the
// next trigger gets a fresh pass.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.pending:
		}
		if err := s.pass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("reconciliation pass failed", zap.Error(err))
		}
		s.passes.Add(1)
	}
}

// Stats reports how many triggers arrived, how many passes ran and how many
// triggers were folded into an already pending pass.
func (s *Scheduler) Stats() (triggers, passes, coalesced int64) {
	return s.triggers.Load(), s.passes.Load(), s.coalesced.Load()
}

// Passes is the number of completed passes.
func (s *Scheduler) Passes() int64 {
	return s.passes.Load()
}
