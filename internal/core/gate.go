package core

import (
	"context"
	"fmt"
	"sync"
)

// QueuePolicy decides what happens to a request that arrives while a run is
// active.
type QueuePolicy string

const (
	// PolicyQueue keeps one pending request; further requests coalesce
	// into it.
	PolicyQueue QueuePolicy = "queue"
	// PolicyDrop discards requests while a run is active.
	PolicyDrop QueuePolicy = "drop"
)

// ParseQueuePolicy accepts "queue", "drop" or "" (queue).
func ParseQueuePolicy(s string) (QueuePolicy, error) {
	switch QueuePolicy(s) {
	case "", PolicyQueue:
		return PolicyQueue, nil
	case PolicyDrop:
		return PolicyDrop, nil
	}
	return "", fmt.Errorf("unknown queue policy %q", s)
}

// Admission is the gate's answer to a run request.
type Admission string

const (
	Admitted Admission = "started"
	Queued   Admission = "queued"
	Dropped  Admission = "dropped"
)

// Submitter accepts run requests. Gate implements it.
type Submitter interface {
	Submit(reason string) Admission
}

// Gate admits at most one active run per pipeline. Runs get a context
// derived from the gate's base context, so cancelling the base stops them.
type Gate struct {
	base   context.Context
	policy QueuePolicy
	run    func(ctx context.Context, reason string)

	mu            sync.Mutex
	active        bool
	pending       bool
	pendingReason string
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewGate creates a gate that calls run for every admitted request.
func NewGate(base context.Context, policy QueuePolicy, run func(ctx context.Context, reason string)) *Gate {
	if policy == "" {
		policy = PolicyQueue
	}
	return &Gate{base: base, policy: policy, run: run}
}

// Submit starts a run now, queues it behind the active one, or drops it.
func (g *Gate) Submit(reason string) Admission {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.base.Err() != nil {
		return Dropped
	}
	if !g.active {
		g.active = true
		g.launch(reason)
		return Admitted
	}
	if g.policy == PolicyDrop {
		return Dropped
	}
	if !g.pending {
		g.pending = true
		g.pendingReason = reason
	}
	return Queued
}

// launch must be called with g.mu held and g.active set.
func (g *Gate) launch(reason string) {
	ctx, cancel := context.WithCancel(g.base)
	g.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		g.run(ctx, reason)
		g.finish()
	}()
}

func (g *Gate) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending && g.base.Err() == nil {
		g.pending = false
		g.launch(g.pendingReason)
		return
	}
	g.pending = false
	g.active = false
	g.cancel = nil
}

// Active reports whether a run is in progress.
func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Cancel stops the active run and discards any pending request. The run's
// epilogue still executes. It reports whether a run was active.
func (g *Gate) Cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active || g.cancel == nil {
		return false
	}
	g.pending = false
	g.cancel()
	return true
}

// Wait blocks until no run is active or pending.
func (g *Gate) Wait() {
	g.wg.Wait()
}
