package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/stepflow/internal/agent"
	"github.com/aristath/stepflow/internal/config"
	"github.com/aristath/stepflow/internal/events"
	"github.com/aristath/stepflow/internal/task"
	"github.com/aristath/stepflow/internal/tier"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.SoftRetryLimit = 2
	cfg.MaxConcurrentSteps = 4
	return cfg
}

// newOrchestrator wires an orchestrator where every tier runs the same mock.
func newOrchestrator(t *testing.T, cfg *config.Config, mock *agent.MockAgent, bus *events.Bus) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Config: cfg,
		Agents: map[tier.Tier]agent.Agent{
			tier.Local:    mock,
			tier.Standard: mock,
			tier.Premium:  mock,
		},
		Bus:      bus,
		WorkRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

// passingStep builds a feature step whose verification always passes.
func passingStep(desc string, deps ...string) *task.TaskStep {
	s := task.NewStep(task.Feature, desc)
	s.VerifyCommand = "true"
	s.DependsOn = deps
	return s
}

func TestExecute_SequentialChainRunsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	mock := agent.NewMockAgent()
	for i := 0; i < 3; i++ {
		mock.Enqueue(func(_ context.Context, req agent.Request) (agent.Outcome, error) {
			mu.Lock()
			order = append(order, req.Description)
			mu.Unlock()
			return agent.Outcome{Kind: agent.OutcomeText, Summary: req.Description}, nil
		})
	}

	a := passingStep("first")
	b := passingStep("second", a.ID)
	c := passingStep("third", b.ID)
	list := task.NewList("chain", []*task.TaskStep{a, b, c})

	o := newOrchestrator(t, testConfig(), mock, nil)
	status, err := o.Execute(context.Background(), list)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != task.ListCompleted {
		t.Fatalf("status: %v", status)
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("execution order: %v", order)
	}
	for _, s := range list.Steps {
		if s.Status != task.StepCompleted || s.AttemptCount != 1 {
			t.Errorf("step %s: status=%v attempts=%d", s.Description, s.Status, s.AttemptCount)
		}
	}
}

func TestExecute_IndependentStepsRunConcurrently(t *testing.T) {
	var running, peak atomic.Int32

	mock := agent.NewMockAgent()
	for i := 0; i < 2; i++ {
		mock.Enqueue(func(context.Context, agent.Request) (agent.Outcome, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			running.Add(-1)
			return agent.Outcome{Kind: agent.OutcomeText}, nil
		})
	}

	a := passingStep("left")
	a.DeclaredPaths = []string{"a.go"}
	b := passingStep("right")
	b.DeclaredPaths = []string{"b.go"}
	list := task.NewList("parallel", []*task.TaskStep{a, b})

	o := newOrchestrator(t, testConfig(), mock, nil)
	status, err := o.Execute(context.Background(), list)
	if err != nil || status != task.ListCompleted {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if peak.Load() < 2 {
		t.Errorf("independent steps did not overlap (peak %d)", peak.Load())
	}
}

func TestExecute_SamePathStepsNeverOverlap(t *testing.T) {
	var running, peak atomic.Int32

	mock := agent.NewMockAgent()
	for i := 0; i < 2; i++ {
		mock.Enqueue(func(context.Context, agent.Request) (agent.Outcome, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			running.Add(-1)
			return agent.Outcome{Kind: agent.OutcomeText}, nil
		})
	}

	a := passingStep("writer one")
	a.DeclaredPaths = []string{"shared.go"}
	b := passingStep("writer two")
	b.DeclaredPaths = []string{"shared.go"}
	list := task.NewList("conflict", []*task.TaskStep{a, b})

	o := newOrchestrator(t, testConfig(), mock, nil)
	status, err := o.Execute(context.Background(), list)
	if err != nil || status != task.ListCompleted {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if peak.Load() != 1 {
		t.Errorf("steps writing the same file overlapped (peak %d)", peak.Load())
	}
}

func TestExecute_SoftFailureRetriesWithFeedback(t *testing.T) {
	mock := agent.NewMockAgent()
	// First attempt produces nothing, so verification fails. The retry writes
	// the marker the exit command checks for.
	mock.Enqueue(func(_ context.Context, req agent.Request) (agent.Outcome, error) {
		return agent.Outcome{Kind: agent.OutcomeText, Summary: "forgot the file"}, nil
	})
	mock.Enqueue(func(_ context.Context, req agent.Request) (agent.Outcome, error) {
		if err := req.Workspace.WriteFile("marker.go", []byte("package marker")); err != nil {
			return agent.Outcome{}, err
		}
		return agent.Outcome{Kind: agent.OutcomeChanges, Summary: "fixed", Changed: []string{"marker.go"}}, nil
	})

	s := task.NewStep(task.Feature, "create the marker")
	s.VerifyCommand = "test -f marker.go"
	list := task.NewList("autofix", []*task.TaskStep{s})

	o := newOrchestrator(t, testConfig(), mock, nil)
	status, err := o.Execute(context.Background(), list)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != task.ListCompleted {
		t.Fatalf("status: %v", status)
	}
	if s.AttemptCount != 2 {
		t.Errorf("attempt count: %d, want 2", s.AttemptCount)
	}
	if s.SoftRetries != 1 {
		t.Errorf("soft retries: %d, want 1", s.SoftRetries)
	}
	// The second request carries the first attempt's verification feedback.
	reqs := mock.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests: %d", len(reqs))
	}
	if !strings.Contains(reqs[1].Context, "failed verification") {
		t.Errorf("retry context missing feedback: %q", reqs[1].Context)
	}
	// Both attempts ran at the same tier before any escalation.
	if len(s.TierHistory) != 2 || s.TierHistory[0].Rank != s.TierHistory[1].Rank {
		t.Errorf("tier history: %+v", s.TierHistory)
	}
}

func TestExecute_ExhaustedSoftRetriesEscalateMonotonically(t *testing.T) {
	mock := agent.NewMockAgent() // empty script: always text outcome, never writes

	bus := events.NewBus()
	defer bus.Close()
	stepEvents := bus.Subscribe(events.TopicStep, 256)

	s := task.NewStep(task.Feature, "impossible work")
	s.VerifyCommand = "false"
	list := task.NewList("hopeless", []*task.TaskStep{s})

	cfg := testConfig()
	cfg.SoftRetryLimit = 1
	o := newOrchestrator(t, cfg, mock, bus)
	status, err := o.Execute(context.Background(), list)
	if err != nil {
		t.Fatalf("step failure is list data, not a run error: %v", err)
	}
	if status != task.ListFailed || s.Status != task.StepFailed {
		t.Fatalf("status=%v step=%v", status, s.Status)
	}

	// Two attempts per tier across three tiers.
	if s.AttemptCount != 6 {
		t.Errorf("attempt count: %d, want 6", s.AttemptCount)
	}
	ranks := make([]int, 0, len(s.TierHistory))
	for _, a := range s.TierHistory {
		ranks = append(ranks, a.Rank)
	}
	for i := 1; i < len(ranks); i++ {
		if ranks[i] < ranks[i-1] {
			t.Fatalf("tier ranks regressed: %v", ranks)
		}
	}
	if len(ranks) != 6 || ranks[0] != 0 || ranks[len(ranks)-1] != 2 {
		t.Errorf("tier ranks: %v", ranks)
	}

	var escalations int
	for {
		select {
		case e := <-stepEvents:
			if e.EventType() == events.EventTypeStepEscalated {
				escalations++
			}
		default:
			if escalations != 2 {
				t.Errorf("escalations: %d, want 2", escalations)
			}
			return
		}
	}
}

func TestExecute_HardErrorsRetryThenEscalate(t *testing.T) {
	var calls atomic.Int32
	mock := agent.NewMockAgent()
	for i := 0; i < 4; i++ {
		mock.Enqueue(func(context.Context, agent.Request) (agent.Outcome, error) {
			calls.Add(1)
			return agent.Outcome{}, agent.Hard(errors.New("backend unreachable"))
		})
	}
	// The premium tier finally answers.
	mock.Enqueue(func(context.Context, agent.Request) (agent.Outcome, error) {
		calls.Add(1)
		return agent.Outcome{Kind: agent.OutcomeText, Summary: "done"}, nil
	})

	s := passingStep("flaky backends")
	list := task.NewList("hard errors", []*task.TaskStep{s})

	cfg := testConfig()
	cfg.MaxRetries = 2 // two invocations per tier
	o := newOrchestrator(t, cfg, mock, nil)
	status, err := o.Execute(context.Background(), list)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != task.ListCompleted || s.Status != task.StepCompleted {
		t.Fatalf("status=%v step=%v", status, s.Status)
	}
	// 2 at local, 2 at standard, 1 at premium.
	if calls.Load() != 5 {
		t.Errorf("agent invocations: %d, want 5", calls.Load())
	}
	if s.AttemptCount != 5 {
		t.Errorf("attempt count: %d", s.AttemptCount)
	}
}

func TestExecute_FailedStepCancelsTransitiveDependents(t *testing.T) {
	mock := agent.NewMockAgent()

	bad := task.NewStep(task.Feature, "doomed")
	bad.VerifyCommand = "false"
	mid := passingStep("depends on doomed", bad.ID)
	leaf := passingStep("depends on mid", mid.ID)
	free := passingStep("independent")
	list := task.NewList("cascade", []*task.TaskStep{bad, mid, leaf, free})

	cfg := testConfig()
	cfg.SoftRetryLimit = 0
	o := newOrchestrator(t, cfg, mock, nil)
	status, err := o.Execute(context.Background(), list)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != task.ListFailed {
		t.Fatalf("status: %v", status)
	}
	if bad.Status != task.StepFailed {
		t.Errorf("bad: %v", bad.Status)
	}
	if mid.Status != task.StepCancelled || leaf.Status != task.StepCancelled {
		t.Errorf("dependents should be cancelled: mid=%v leaf=%v", mid.Status, leaf.Status)
	}
	if free.Status != task.StepCompleted {
		t.Errorf("independent step should still complete: %v", free.Status)
	}
}

func TestExecute_CycleFailsBeforeAnythingRuns(t *testing.T) {
	mock := agent.NewMockAgent()

	a := passingStep("a")
	b := passingStep("b")
	a.DependsOn = []string{b.ID}
	b.DependsOn = []string{a.ID}
	list := task.NewList("cycle", []*task.TaskStep{a, b})

	o := newOrchestrator(t, testConfig(), mock, nil)
	status, err := o.Execute(context.Background(), list)
	if err == nil || !IsStructural(err) {
		t.Fatalf("expected structural error, got %v", err)
	}
	if status != task.ListFailed {
		t.Errorf("status: %v", status)
	}
	if len(mock.Requests()) != 0 {
		t.Errorf("no step may execute from an invalid list, saw %d requests", len(mock.Requests()))
	}
	if a.Status != task.StepCancelled || b.Status != task.StepCancelled {
		t.Errorf("steps: %v, %v", a.Status, b.Status)
	}
}

func TestExecute_UnreachableStepStallsAndAborts(t *testing.T) {
	mock := agent.NewMockAgent()

	ghost := passingStep("never eligible")
	// Cancelled before the run: its dependent can never become eligible, and
	// nothing will cancel it through failure cascade.
	ghost.Status = task.StepCancelled
	blocked := passingStep("waiting forever", ghost.ID)
	list := task.NewList("stall", []*task.TaskStep{ghost, blocked})

	o := newOrchestrator(t, testConfig(), mock, nil)
	status, err := o.Execute(context.Background(), list)
	if err == nil || !IsStructural(err) {
		t.Fatalf("expected structural stall error, got %v", err)
	}
	if status == task.ListCompleted {
		t.Errorf("status: %v", status)
	}
	if blocked.Status != task.StepCancelled {
		t.Errorf("blocked step should be cancelled: %v", blocked.Status)
	}
}

func TestExecute_DecompositionRunsSubListInPlace(t *testing.T) {
	mock := agent.NewMockAgent()

	subA := passingStep("sub one")
	subB := passingStep("sub two", subA.ID)
	subList := task.NewList("pieces", []*task.TaskStep{subA, subB})

	mock.EnqueueOutcome(agent.Outcome{
		Kind:     agent.OutcomeDecompose,
		Summary:  "split it",
		Subtasks: subList,
	}, nil)

	parent := passingStep("too big")
	list := task.NewList("decompose", []*task.TaskStep{parent})
	list.MaxDepth = 2

	o := newOrchestrator(t, testConfig(), mock, nil)
	status, err := o.Execute(context.Background(), list)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != task.ListCompleted || parent.Status != task.StepCompleted {
		t.Fatalf("status=%v parent=%v", status, parent.Status)
	}
	if subA.Status != task.StepCompleted || subB.Status != task.StepCompleted {
		t.Errorf("sub steps: %v, %v", subA.Status, subB.Status)
	}
	if parent.Result != "split it" {
		t.Errorf("parent result: %q", parent.Result)
	}
}

func TestExecute_DecompositionSubStepsReuseParentPaths(t *testing.T) {
	mock := agent.NewMockAgent()

	// The sub-step declares the same path the parent locked before it
	// decomposed. The parent must hand its locks over for the nested run.
	sub := passingStep("rewrite the file")
	sub.DeclaredPaths = []string{"x.go"}
	subList := task.NewList("pieces", []*task.TaskStep{sub})

	mock.EnqueueOutcome(agent.Outcome{
		Kind:     agent.OutcomeDecompose,
		Summary:  "split by file",
		Subtasks: subList,
	}, nil)

	parent := passingStep("too big")
	parent.DeclaredPaths = []string{"x.go"}
	list := task.NewList("same paths", []*task.TaskStep{parent})
	list.MaxDepth = 2

	o := newOrchestrator(t, testConfig(), mock, nil)

	type result struct {
		status task.ListStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := o.Execute(context.Background(), list)
		done <- result{status, err}
	}()

	select {
	case res := <-done:
		if res.err != nil || res.status != task.ListCompleted {
			t.Fatalf("status=%v err=%v", res.status, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run hung: sub-step blocked on the path its parent holds")
	}
	if parent.Status != task.StepCompleted || sub.Status != task.StepCompleted {
		t.Errorf("parent=%v sub=%v", parent.Status, sub.Status)
	}
}

func TestExecute_DecompositionDepthBudgetIsEnforced(t *testing.T) {
	mock := agent.NewMockAgent()
	// Every attempt decomposes again, so the budget must stop the recursion.
	for i := 0; i < 20; i++ {
		sub := passingStep("again")
		mock.EnqueueOutcome(agent.Outcome{
			Kind:     agent.OutcomeDecompose,
			Subtasks: task.NewList("again", []*task.TaskStep{sub}),
		}, nil)
	}

	parent := passingStep("recursive")
	list := task.NewList("deep", []*task.TaskStep{parent})
	list.MaxDepth = 2

	cfg := testConfig()
	cfg.SoftRetryLimit = 0
	// A single tier keeps the failure from fanning out across escalations.
	for _, name := range []string{"standard", "premium"} {
		tc := cfg.Tiers[name]
		tc.Enabled = false
		cfg.Tiers[name] = tc
	}
	o := newOrchestrator(t, cfg, mock, nil)
	status, _ := o.Execute(context.Background(), list)
	if status == task.ListCompleted {
		t.Fatal("unbounded recursion must not complete")
	}
	if n := len(mock.Requests()); n > 20 {
		t.Errorf("recursion not bounded: %d agent calls", n)
	}
}

func TestExecute_CancellationStopsTheRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	mock := agent.NewMockAgent()
	mock.Enqueue(func(ctx context.Context, _ agent.Request) (agent.Outcome, error) {
		cancel()
		<-ctx.Done()
		return agent.Outcome{}, agent.Hard(ctx.Err())
	})

	a := passingStep("running when cancelled")
	b := passingStep("never starts", a.ID)
	list := task.NewList("cancel", []*task.TaskStep{a, b})

	o := newOrchestrator(t, testConfig(), mock, nil)
	status, err := o.Execute(ctx, list)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if status != task.ListCancelled {
		t.Errorf("status: %v", status)
	}
	if b.Status != task.StepCancelled {
		t.Errorf("undispatched step: %v", b.Status)
	}
	// The attempt cut short by cancellation is recorded as such, not as an
	// infrastructure failure.
	if len(a.TierHistory) != 1 || a.TierHistory[0].Outcome != task.OutcomeCancelled {
		t.Errorf("tier history: %+v", a.TierHistory)
	}
}

func TestExecute_ListEventsBracketTheRun(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	listEvents := bus.SubscribeAll(64)

	mock := agent.NewMockAgent()
	s := passingStep("only step")
	list := task.NewList("events", []*task.TaskStep{s})

	o := newOrchestrator(t, testConfig(), mock, bus)
	if _, err := o.Execute(context.Background(), list); err != nil {
		t.Fatal(err)
	}

	var types []string
	for {
		select {
		case e := <-listEvents:
			types = append(types, e.EventType())
		default:
			if types[0] != events.EventTypeListStarted {
				t.Errorf("first event: %v", types)
			}
			if types[len(types)-1] != events.EventTypeListFinished {
				t.Errorf("last event: %v", types)
			}
			var sawCompleted bool
			for _, et := range types {
				if et == events.EventTypeStepCompleted {
					sawCompleted = true
				}
			}
			if !sawCompleted {
				t.Errorf("missing step.completed: %v", types)
			}
			return
		}
	}
}
