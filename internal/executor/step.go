package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/stepflow/internal/agent"
	"github.com/aristath/stepflow/internal/events"
	"github.com/aristath/stepflow/internal/scheduler"
	"github.com/aristath/stepflow/internal/task"
	"github.com/aristath/stepflow/internal/tier"
	"github.com/aristath/stepflow/internal/verify"
	"github.com/aristath/stepflow/internal/workspace"
)

// DecomposeFunc runs a sub-list produced by an agent in place of the step
// that spawned it. It returns the sub-list's terminal status.
type DecomposeFunc func(ctx context.Context, list *task.TaskList) (task.ListStatus, error)

// StepExecutor runs one step at a time through the full lifecycle: lock the
// declared paths, open a workspace transaction, attempt the work at
// escalating tiers, verify, and commit or roll back. All step state flows
// through the graph so the pool and other executors see a consistent view.
type StepExecutor struct {
	graph    *scheduler.Graph
	locks    *workspace.LockManager
	agents   map[tier.Tier]agent.Agent
	router   tier.Router
	verifier *verify.Runner
	bus      *events.Bus
	breakers *BreakerRegistry
	retryCfg RetryConfig
	shared   *task.ExecutionContext

	workRoot       string
	listID         string
	softRetryLimit int
	onDecompose    DecomposeFunc
}

// StepExecutorConfig collects the executor's collaborators.
type StepExecutorConfig struct {
	Graph          *scheduler.Graph
	Locks          *workspace.LockManager
	Agents         map[tier.Tier]agent.Agent
	Router         tier.Router
	Verifier       *verify.Runner
	Bus            *events.Bus
	Breakers       *BreakerRegistry
	Retry          RetryConfig
	Shared         *task.ExecutionContext
	WorkRoot       string
	ListID         string
	SoftRetryLimit int
	OnDecompose    DecomposeFunc
}

// NewStepExecutor wires a step executor.
func NewStepExecutor(cfg StepExecutorConfig) *StepExecutor {
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakerRegistry()
	}
	if cfg.Shared == nil {
		cfg.Shared = task.NewExecutionContext()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &StepExecutor{
		graph:          cfg.Graph,
		locks:          cfg.Locks,
		agents:         cfg.Agents,
		router:         cfg.Router,
		verifier:       cfg.Verifier,
		bus:            cfg.Bus,
		breakers:       cfg.Breakers,
		retryCfg:       cfg.Retry,
		shared:         cfg.Shared,
		workRoot:       cfg.WorkRoot,
		listID:         cfg.ListID,
		softRetryLimit: cfg.SoftRetryLimit,
		onDecompose:    cfg.OnDecompose,
	}
}

// attemptResult is what one tier attempt produced.
type attemptResult struct {
	outcome     agent.Outcome
	verifyout   string
	invocations int
	err         error
	soft        bool
}

// Execute runs the step to a terminal status. The returned error reports why
// the step failed; a nil return means the step completed and committed.
func (e *StepExecutor) Execute(ctx context.Context, stepID string) error {
	step, ok := e.graph.Step(stepID)
	if !ok {
		return fmt.Errorf("step %q not found", stepID)
	}

	guard, err := e.locks.Acquire(ctx, stepID, step.DeclaredPaths)
	if err != nil {
		e.failStep(stepID, fmt.Errorf("acquiring path locks: %w", err))
		return err
	}
	defer guard.Release()

	if err := e.graph.MarkStatus(stepID, task.StepLocked); err != nil {
		return err
	}

	currentTier := e.router.Initial(step)
	feedback := ""
	start := time.Now()

	for {
		res := e.attemptTier(ctx, stepID, currentTier, guard, &feedback)
		if res.err == nil {
			e.completeStep(stepID, currentTier, res, start)
			return nil
		}

		if ctx.Err() != nil {
			e.cancelStep(stepID, "execution cancelled")
			return res.err
		}
		var structural *structuralError
		if errors.As(res.err, &structural) {
			e.failStep(stepID, res.err)
			return res.err
		}

		next, ok := e.router.Next(currentTier)
		if !ok {
			err := fmt.Errorf("all tiers exhausted: %w", res.err)
			e.failStep(stepID, err)
			return err
		}

		reason := "backend failure"
		if res.soft {
			reason = "verification failure"
		}
		e.publish(events.TopicStep, events.StepEscalated{
			ID:        stepID,
			FromTier:  currentTier.String(),
			ToTier:    next.String(),
			Reason:    reason,
			Timestamp: time.Now(),
		})
		currentTier = next
	}
}

// attemptTier runs up to 1+softRetryLimit attempts at one tier. Hard-error
// retries happen inside executeWithRetry; soft failures roll back, feed the
// verification output into the next attempt, and try again at the same tier.
func (e *StepExecutor) attemptTier(ctx context.Context, stepID string, t tier.Tier, guard *workspace.Guard, feedback *string) attemptResult {
	var last attemptResult

	for soft := 0; soft <= e.softRetryLimit; soft++ {
		if ctx.Err() != nil {
			last.err = ctx.Err()
			return last
		}

		last = e.attemptOnce(ctx, stepID, t, guard, *feedback)
		if last.err == nil {
			return last
		}
		if !last.soft || ctx.Err() != nil {
			return last
		}
		var structural *structuralError
		if errors.As(last.err, &structural) {
			return last
		}

		*feedback = last.verifyout
		if soft < e.softRetryLimit {
			e.graph.Update(stepID, func(s *task.TaskStep) {
				s.SoftRetries++
			})
			step, _ := e.graph.Step(stepID)
			e.publish(events.TopicStep, events.StepRetried{
				ID:        stepID,
				Tier:      t.String(),
				Attempt:   step.AttemptCount,
				Reason:    "verification failure",
				Timestamp: time.Now(),
			})
		}
	}
	return last
}

// attemptOnce is one agent invocation plus verification, with a workspace
// transaction around the file effects.
func (e *StepExecutor) attemptOnce(ctx context.Context, stepID string, t tier.Tier, guard *workspace.Guard, feedback string) attemptResult {
	step, _ := e.graph.Step(stepID)

	if err := e.markExecuting(stepID); err != nil {
		return attemptResult{err: err}
	}
	e.publish(events.TopicStep, events.StepStarted{
		ID:        stepID,
		ListID:    e.listID,
		Tier:      t.String(),
		Attempt:   step.AttemptCount + 1,
		Timestamp: time.Now(),
	})

	ag, ok := e.agents[t]
	if !ok {
		return attemptResult{err: &structuralError{fmt.Errorf("no agent bound to tier %s", t)}}
	}

	// Writes to paths beyond the declared set lock the path mid-flight and
	// register it for conflict detection.
	txn := workspace.NewTransaction(e.workRoot, func(path string) error {
		if err := guard.Extend(ctx, path); err != nil {
			return err
		}
		e.graph.RecordPath(stepID, path)
		return nil
	})

	req := agent.Request{
		StepID:      stepID,
		Description: step.Description,
		Category:    step.Category,
		Context:     e.renderContext(feedback),
		Workspace:   txn,
	}

	outcome, invocations, err := executeWithRetry(ctx, ag, req, e.breakers.Get(t.String()), e.retryCfg)
	e.recordAttempts(stepID, invocations)

	if err != nil {
		txn.Rollback()
		detail := err.Error()
		outcomeKind := task.OutcomeHardError
		soft := false
		if ctx.Err() != nil {
			outcomeKind = task.OutcomeCancelled
		} else if !agent.IsHard(err) {
			// The agent ran but its work was rejected before verification,
			// e.g. a write vetoed by lock extension.
			outcomeKind = task.OutcomeSoftError
			soft = true
		}
		e.recordTierAttempt(stepID, t, outcomeKind, detail)
		return attemptResult{invocations: invocations, err: err, soft: soft}
	}

	if outcome.Kind == agent.OutcomeDecompose {
		txn.Rollback()
		return e.handleDecompose(ctx, stepID, t, guard, outcome)
	}

	verifyRes, verr := e.runVerification(ctx, stepID, step)
	if verr != nil {
		txn.Rollback()
		e.recordTierAttempt(stepID, t, task.OutcomeHardError, verr.Error())
		return attemptResult{invocations: invocations, err: verr}
	}
	if !verifyRes.Passed() {
		txn.Rollback()
		detail := fmt.Sprintf("verification exited %d", verifyRes.ExitCode)
		e.recordTierAttempt(stepID, t, task.OutcomeSoftError, detail)
		e.graph.Update(stepID, func(s *task.TaskStep) {
			s.VerifyOutput = verifyRes.Output()
		})
		return attemptResult{
			invocations: invocations,
			verifyout:   verifyRes.Output(),
			soft:        true,
			err:         fmt.Errorf("verification failed: %s", detail),
		}
	}

	txn.Commit()
	e.recordTierAttempt(stepID, t, task.OutcomeCompleted, "")
	e.graph.Update(stepID, func(s *task.TaskStep) {
		s.Result = outcome.Summary
		s.VerifyOutput = verifyRes.Output()
	})
	e.mergeContributions(stepID, outcome, verifyRes)
	return attemptResult{outcome: outcome, verifyout: verifyRes.Output(), invocations: invocations}
}

// handleDecompose replaces the step's own work with a sub-list run. The
// step completes when the sub-list completes; anything else fails it.
func (e *StepExecutor) handleDecompose(ctx context.Context, stepID string, t tier.Tier, guard *workspace.Guard, outcome agent.Outcome) attemptResult {
	if e.onDecompose == nil {
		return attemptResult{err: &structuralError{errors.New("decomposition not supported here")}}
	}

	// The sub-list run stands in for this step's verification phase; its
	// terminal status is the verdict on the decomposition.
	if err := e.graph.MarkStatus(stepID, task.StepVerifying); err != nil {
		return attemptResult{err: err}
	}

	// Sub-steps routinely declare the very paths this step locked; hand the
	// locks over for the nested run so they can acquire them. Conflicting
	// siblings stay ineligible while this step is in flight, so the paths
	// cannot leak to unrelated work.
	guard.Release()
	status, err := e.onDecompose(ctx, outcome.Subtasks)

	if err == nil && status == task.ListCompleted {
		e.recordTierAttempt(stepID, t, task.OutcomeCompleted, "decomposed")
		e.graph.Update(stepID, func(s *task.TaskStep) {
			s.Result = outcome.Summary
		})
		return attemptResult{outcome: outcome}
	}

	// The step retries at an escalated tier, so it needs its paths back. The
	// sub-steps have terminated and released them.
	if rerr := guard.Reacquire(ctx); rerr != nil {
		return attemptResult{err: rerr}
	}
	if err != nil {
		return attemptResult{err: err}
	}
	return attemptResult{err: fmt.Errorf("decomposed sub-list ended %s", status)}
}

func (e *StepExecutor) runVerification(ctx context.Context, stepID string, step *task.TaskStep) (verify.Result, error) {
	command := step.VerificationCommand()
	if err := e.graph.MarkStatus(stepID, task.StepVerifying); err != nil {
		return verify.Result{}, err
	}
	e.publish(events.TopicStep, events.StepVerifying{
		ID:        stepID,
		Command:   command,
		Timestamp: time.Now(),
	})
	return e.verifier.Run(ctx, command, e.workRoot)
}

// markExecuting moves the step into Executing from whichever legal
// predecessor it is in (Locked on the first attempt, Verifying on retries).
func (e *StepExecutor) markExecuting(stepID string) error {
	step, ok := e.graph.Step(stepID)
	if !ok {
		return fmt.Errorf("step %q not found", stepID)
	}
	if step.Status == task.StepExecuting {
		return nil
	}
	return e.graph.MarkStatus(stepID, task.StepExecuting)
}

func (e *StepExecutor) recordAttempts(stepID string, n int) {
	if n <= 0 {
		return
	}
	e.graph.Update(stepID, func(s *task.TaskStep) {
		s.AttemptCount += n
	})
}

func (e *StepExecutor) recordTierAttempt(stepID string, t tier.Tier, outcome task.AttemptOutcome, detail string) {
	cost := e.router.Cost(t)
	if outcome != task.OutcomeCompleted && outcome != task.OutcomeSoftError {
		// Infrastructure failures don't bill a full attempt.
		cost = 0
	}
	e.graph.Update(stepID, func(s *task.TaskStep) {
		s.RecordAttempt(task.TierAttempt{
			Tier:    t.String(),
			Rank:    t.Rank(),
			Outcome: outcome,
			Detail:  detail,
			Cost:    cost,
		})
	})
}

// renderContext combines the shared list context with this step's own
// verification feedback.
func (e *StepExecutor) renderContext(feedback string) string {
	rendered := e.shared.Render()
	if feedback == "" {
		return rendered
	}
	if rendered != "" {
		rendered += "\n"
	}
	return rendered + "The previous attempt failed verification with this output:\n" + feedback
}

// mergeContributions publishes the completed step's effects into the shared
// context for downstream steps.
func (e *StepExecutor) mergeContributions(stepID string, outcome agent.Outcome, verifyRes verify.Result) {
	var entries []task.Contribution
	for _, path := range outcome.Changed {
		entries = append(entries, task.Contribution{StepID: stepID, Kind: task.FileWritten, Path: path})
	}
	if outcome.Summary != "" {
		entries = append(entries, task.Contribution{StepID: stepID, Kind: task.Finding, Text: outcome.Summary})
	}
	if out := verifyRes.Output(); out != "" {
		entries = append(entries, task.Contribution{StepID: stepID, Kind: task.CommandOutput, Text: out})
	}
	e.shared.Merge(entries)
}

func (e *StepExecutor) completeStep(stepID string, t tier.Tier, res attemptResult, start time.Time) {
	e.graph.MarkStatus(stepID, task.StepCompleted)
	step, _ := e.graph.Step(stepID)
	e.publish(events.TopicStep, events.StepCompleted{
		ID:        stepID,
		ListID:    e.listID,
		Tier:      t.String(),
		Result:    res.outcome.Summary,
		Cost:      step.TotalCost(),
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	})
}

func (e *StepExecutor) failStep(stepID string, err error) {
	cancelled := false
	e.graph.Update(stepID, func(s *task.TaskStep) {
		s.Err = err
		if s.Status.CanTransition(task.StepFailed) {
			s.Status = task.StepFailed
		} else if !s.Status.IsTerminal() {
			// Failed is not reachable from every state, e.g. a step whose lock
			// acquisition was cancelled while still Eligible. It never ran, so
			// it ends Cancelled, and the event stream says the same.
			s.Status = task.StepCancelled
			cancelled = true
		}
	})
	if cancelled {
		e.publish(events.TopicStep, events.StepCancelled{
			ID:        stepID,
			ListID:    e.listID,
			Reason:    err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	e.publish(events.TopicStep, events.StepFailed{
		ID:        stepID,
		ListID:    e.listID,
		Err:       err,
		Timestamp: time.Now(),
	})
}

func (e *StepExecutor) cancelStep(stepID string, reason string) {
	e.graph.Update(stepID, func(s *task.TaskStep) {
		if !s.Status.IsTerminal() {
			s.Status = task.StepCancelled
		}
	})
	e.publish(events.TopicStep, events.StepCancelled{
		ID:        stepID,
		ListID:    e.listID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

func (e *StepExecutor) publish(topic string, event events.Event) {
	if e.bus != nil {
		e.bus.Publish(topic, event)
	}
}

// structuralError marks failures of the engine itself rather than of the
// work: unsatisfiable graphs, missing tier bindings, exceeded decomposition
// depth. Structural errors abort without escalation.
type structuralError struct {
	err error
}

func (e *structuralError) Error() string { return e.err.Error() }
func (e *structuralError) Unwrap() error { return e.err }

// Structural wraps err as a structural failure.
func Structural(err error) error {
	if err == nil {
		return nil
	}
	return &structuralError{err: err}
}

// IsStructural reports whether err is a structural failure.
func IsStructural(err error) bool {
	var se *structuralError
	return errors.As(err, &se)
}
