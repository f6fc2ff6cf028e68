package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/stepflow/internal/agent"
	"github.com/aristath/stepflow/internal/config"
	"github.com/aristath/stepflow/internal/events"
	"github.com/aristath/stepflow/internal/persistence"
	"github.com/aristath/stepflow/internal/scheduler"
	"github.com/aristath/stepflow/internal/task"
	"github.com/aristath/stepflow/internal/tier"
	"github.com/aristath/stepflow/internal/verify"
	"github.com/aristath/stepflow/internal/workspace"
)

// Orchestrator executes task lists against one workspace root. Locks and
// circuit breakers are shared across lists so concurrent and nested runs
// respect each other's file ownership and backend health.
type Orchestrator struct {
	cfg      *config.Config
	agents   map[tier.Tier]agent.Agent
	router   tier.Router
	bus      *events.Bus
	store    persistence.Store
	locks    *workspace.LockManager
	breakers *BreakerRegistry
	verifier *verify.Runner
	workRoot string

	mu    sync.Mutex
	lists map[string]*task.TaskList
}

// Options configures an Orchestrator. Store and Bus may be nil.
type Options struct {
	Config   *config.Config
	Agents   map[tier.Tier]agent.Agent
	Router   tier.Router
	Bus      *events.Bus
	Store    persistence.Store
	WorkRoot string
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if len(opts.Agents) == 0 {
		return nil, fmt.Errorf("at least one tier agent is required")
	}
	if opts.Router == nil {
		opts.Router = defaultRouter(opts.Config, opts.Agents)
	}
	if opts.WorkRoot == "" {
		return nil, fmt.Errorf("workspace root is required")
	}

	locks := workspace.NewLockManager()
	if opts.Config.LockWaitSeconds > 0 {
		locks.SetMaxWait(time.Duration(opts.Config.LockWaitSeconds) * time.Second)
	}

	return &Orchestrator{
		cfg:      opts.Config,
		agents:   opts.Agents,
		router:   opts.Router,
		bus:      opts.Bus,
		store:    opts.Store,
		locks:    locks,
		breakers: NewBreakerRegistry(),
		verifier: verify.NewRunner(time.Duration(opts.Config.VerifyTimeoutSeconds) * time.Second),
		workRoot: opts.WorkRoot,
		lists:    make(map[string]*task.TaskList),
	}, nil
}

// defaultRouter builds a static router restricted to the tiers that have an
// agent bound and are enabled in configuration.
func defaultRouter(cfg *config.Config, agents map[tier.Tier]agent.Agent) tier.Router {
	enabled := func(t tier.Tier) bool {
		if _, ok := agents[t]; !ok {
			return false
		}
		return cfg.TierEnabled(t.String())
	}
	return tier.NewStaticRouter().WithTiers(enabled(tier.Local), enabled(tier.Standard), enabled(tier.Premium))
}

// List returns a stored list by ID.
func (o *Orchestrator) List(listID string) (*task.TaskList, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list, ok := o.lists[listID]
	return list, ok
}

// Execute runs a task list to a terminal status. Structural problems with
// the list itself (cycles, unknown dependencies) fail it before any step
// runs. Recursive decomposition is budgeted by the list's MaxDepth.
func (o *Orchestrator) Execute(ctx context.Context, list *task.TaskList) (task.ListStatus, error) {
	if list.MaxDepth == 0 {
		list.MaxDepth = o.cfg.MaxDepth
	}
	o.applyVerifyOverrides(list)
	return o.execute(ctx, list, list.MaxDepth)
}

func (o *Orchestrator) execute(ctx context.Context, list *task.TaskList, depth int) (task.ListStatus, error) {
	o.mu.Lock()
	o.lists[list.ID] = list
	o.mu.Unlock()

	start := time.Now()

	graph, err := scheduler.New(list)
	if err != nil {
		// Nothing executes from an invalid list; every step is cancelled.
		for _, step := range list.Steps {
			step.Status = task.StepCancelled
		}
		list.Status = task.ListFailed
		o.saveList(ctx, list)
		o.finish(list, start)
		return list.Status, Structural(err)
	}

	if depth < 0 {
		for _, step := range list.Steps {
			step.Status = task.StepCancelled
		}
		list.Status = task.ListFailed
		o.saveList(ctx, list)
		o.finish(list, start)
		return list.Status, Structural(fmt.Errorf("decomposition depth budget exhausted"))
	}

	list.Status = task.ListRunning
	o.saveList(ctx, list)
	if o.bus != nil {
		o.bus.Publish(events.TopicList, events.ListStarted{
			ID:        list.ID,
			Title:     list.Title,
			Steps:     len(list.Steps),
			Timestamp: time.Now(),
		})
	}

	shared := task.NewExecutionContext()
	exec := NewStepExecutor(StepExecutorConfig{
		Graph:          graph,
		Locks:          o.locks,
		Agents:         o.agents,
		Router:         o.router,
		Verifier:       o.verifier,
		Bus:            o.bus,
		Breakers:       o.breakers,
		Retry:          RetryConfig{MaxAttempts: o.cfg.MaxRetries, InitialInterval: 100 * time.Millisecond, MaxInterval: 10 * time.Second, Multiplier: 2.0, RandomizationFactor: 0.5},
		Shared:         shared,
		WorkRoot:       o.workRoot,
		ListID:         list.ID,
		SoftRetryLimit: o.cfg.SoftRetryLimit,
		OnDecompose: func(ctx context.Context, sub *task.TaskList) (task.ListStatus, error) {
			sub.MaxDepth = depth - 1
			o.applyVerifyOverrides(sub)
			return o.execute(ctx, sub, depth-1)
		},
	})

	pool := NewPool(graph, exec, o.bus, list.ID, o.cfg.MaxConcurrentSteps)
	runErr := pool.Run(ctx)

	switch {
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		list.Status = task.ListCancelled
	default:
		list.Status = list.ComputeStatus()
		if runErr != nil && list.Status == task.ListCompleted {
			list.Status = task.ListFailed
		}
	}
	o.saveList(ctx, list)
	o.finish(list, start)
	return list.Status, runErr
}

// applyVerifyOverrides stamps configured per-category exit commands onto
// steps that don't carry their own.
func (o *Orchestrator) applyVerifyOverrides(list *task.TaskList) {
	if len(o.cfg.VerifyCommands) == 0 {
		return
	}
	for _, step := range list.Steps {
		if step.VerifyCommand != "" {
			continue
		}
		if cmd, ok := o.cfg.VerifyCommands[step.Category.String()]; ok {
			step.VerifyCommand = cmd
		}
	}
}

func (o *Orchestrator) saveList(ctx context.Context, list *task.TaskList) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveList(ctx, list); err != nil && o.bus != nil {
		// Persistence is best-effort during execution; surfacing the failure
		// on the bus beats aborting a running list.
		o.bus.Publish(events.TopicList, events.ListFinished{
			ID:     list.ID,
			Status: "persistence_error: " + err.Error(),
		})
	}
}

func (o *Orchestrator) finish(list *task.TaskList, start time.Time) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.TopicList, events.ListFinished{
		ID:        list.ID,
		Status:    list.Status.String(),
		Completed: list.CompletedCount(),
		Failed:    list.FailedCount(),
		Cancelled: list.CancelledCount(),
		Cost:      list.TotalCost(),
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	})
}
