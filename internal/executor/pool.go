package executor

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/stepflow/internal/events"
	"github.com/aristath/stepflow/internal/scheduler"
	"github.com/aristath/stepflow/internal/task"
)

// DefaultMaxConcurrent bounds the pool when no limit is configured.
const DefaultMaxConcurrent = 4

// Pool drives a graph to completion with a bounded number of concurrent step
// executions. It re-queries eligibility every time a step reaches a terminal
// status, cancels the dependents of failed steps, and aborts on stalls.
type Pool struct {
	graph    *scheduler.Graph
	executor *StepExecutor
	bus      *events.Bus
	listID   string
	limit    int
}

// NewPool creates a pool over the graph.
func NewPool(graph *scheduler.Graph, exec *StepExecutor, bus *events.Bus, listID string, limit int) *Pool {
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	return &Pool{
		graph:    graph,
		executor: exec,
		bus:      bus,
		listID:   listID,
		limit:    limit,
	}
}

// Run executes until every step is terminal. The returned error is non-nil
// only for structural aborts (stall, cancellation); individual step failures
// are recorded on the steps and reflected in the list status.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.limit)

	// One pending wakeup is enough: the dispatcher re-queries the whole
	// graph on every pass.
	notify := make(chan struct{}, 1)
	wake := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	var runErr error
	for {
		if ctx.Err() != nil {
			p.cancelRemaining("run cancelled")
			runErr = ctx.Err()
			break
		}

		eligible := p.graph.Eligible()
		for _, step := range eligible {
			stepID := step.ID
			if err := p.graph.MarkStatus(stepID, task.StepEligible); err != nil {
				continue
			}
			p.publish(events.StepEligible{ID: stepID, ListID: p.listID, Timestamp: time.Now()})

			// Go blocks when the pool is full; a slot opens when any
			// running step finishes.
			group.Go(func() error {
				if err := p.executor.Execute(groupCtx, stepID); err != nil {
					p.cancelDependents(stepID)
				}
				wake()
				return nil
			})
		}

		if p.allTerminal() {
			break
		}
		if p.graph.Stalled() {
			p.cancelRemaining("dependency graph stalled")
			runErr = Structural(errors.New("no step is eligible and none are running, but pending steps remain"))
			break
		}

		select {
		case <-notify:
		case <-ctx.Done():
		}
	}

	group.Wait()

	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	return runErr
}

func (p *Pool) allTerminal() bool {
	for _, step := range p.graph.Steps() {
		if !step.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (p *Pool) cancelDependents(stepID string) {
	for _, id := range p.graph.CancelDependents(stepID) {
		p.publish(events.StepCancelled{
			ID:        id,
			ListID:    p.listID,
			Reason:    "dependency failed",
			Timestamp: time.Now(),
		})
	}
}

func (p *Pool) cancelRemaining(reason string) {
	for _, id := range p.graph.CancelRemaining() {
		p.publish(events.StepCancelled{
			ID:        id,
			ListID:    p.listID,
			Reason:    reason,
			Timestamp: time.Now(),
		})
	}
}

func (p *Pool) publish(event events.Event) {
	if p.bus != nil {
		p.bus.Publish(events.TopicStep, event)
	}
}
