package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/stepflow/internal/task"
)

// Graph tracks a task list's steps, their explicit dependencies, and
// dynamically discovered file conflicts. It answers the scheduling question:
// which steps may be dispatched right now without violating dependency order
// or touching a file another in-flight step owns.
type Graph struct {
	mu           sync.RWMutex
	steps        map[string]*task.TaskStep
	order        []string            // insertion order, for deterministic eligibility
	dependents   map[string][]string // stepID -> steps that depend on it
	dynamicPaths map[string]map[string]struct{}
	waits        map[string]map[string]struct{} // stepID -> steps it must wait out
}

// New builds a graph from a task list and validates its structure.
func New(list *task.TaskList) (*Graph, error) {
	g := &Graph{
		steps:        make(map[string]*task.TaskStep),
		dependents:   make(map[string][]string),
		dynamicPaths: make(map[string]map[string]struct{}),
		waits:        make(map[string]map[string]struct{}),
	}

	for _, step := range list.Steps {
		if _, exists := g.steps[step.ID]; exists {
			return nil, fmt.Errorf("step with ID %q already exists", step.ID)
		}
		g.steps[step.ID] = step
		g.order = append(g.order, step.ID)
		for _, depID := range step.DependsOn {
			g.dependents[depID] = append(g.dependents[depID], step.ID)
		}
	}

	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate runs a topological sort over the dependency edges. It returns the
// sorted step IDs, or an error for cycles and references to unknown steps.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for stepID, step := range g.steps {
		for _, depID := range step.DependsOn {
			if _, exists := g.steps[depID]; !exists {
				return nil, fmt.Errorf("step %q depends on non-existent step %q", stepID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for stepID, step := range g.steps {
		if len(step.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, stepID})
			continue
		}
		for _, depID := range step.DependsOn {
			edges = append(edges, toposort.Edge{depID, stepID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.steps) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for stepID := range g.steps {
			if !found[stepID] {
				missing = append(missing, stepID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d steps: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Eligible returns steps ready for dispatch: status Pending, all dependencies
// Completed, and no write-path overlap with any in-flight step. Steps that
// would conflict with each other are never both returned from one query; the
// earlier-declared step wins.
func (g *Graph) Eligible() []*task.TaskStep {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var eligible []*task.TaskStep
	claimed := make(map[string]struct{}) // paths taken by steps selected this query

	for _, id := range g.order {
		step := g.steps[id]
		if step.Status != task.StepPending {
			continue
		}

		depsDone := true
		for _, depID := range step.DependsOn {
			dep, exists := g.steps[depID]
			if !exists || dep.Status != task.StepCompleted {
				depsDone = false
				break
			}
		}
		if !depsDone {
			continue
		}

		if g.conflictsLocked(step, claimed) {
			continue
		}

		for _, p := range g.writePathsLocked(step) {
			claimed[p] = struct{}{}
		}
		eligible = append(eligible, step.Clone())
	}

	return eligible
}

// conflictsLocked reports whether the step overlaps an in-flight step's write
// paths, a path claimed earlier in this query, or a recorded dynamic conflict.
func (g *Graph) conflictsLocked(step *task.TaskStep, claimed map[string]struct{}) bool {
	for other := range g.waits[step.ID] {
		if o, exists := g.steps[other]; exists && !o.Status.IsTerminal() {
			return true
		}
	}

	paths := g.writePathsLocked(step)
	for _, p := range paths {
		if _, taken := claimed[p]; taken {
			return true
		}
	}

	for _, otherID := range g.order {
		other := g.steps[otherID]
		if other.ID == step.ID || !inFlight(other.Status) {
			continue
		}
		otherPaths := g.writePathsLocked(other)
		for _, p := range paths {
			for _, op := range otherPaths {
				if p == op {
					return true
				}
			}
		}
	}

	return false
}

// inFlight covers every status in which a step may still touch files.
func inFlight(s task.StepStatus) bool {
	switch s {
	case task.StepEligible, task.StepLocked, task.StepExecuting, task.StepVerifying:
		return true
	default:
		return false
	}
}

func (g *Graph) writePathsLocked(step *task.TaskStep) []string {
	paths := append([]string(nil), step.DeclaredPaths...)
	for p := range g.dynamicPaths[step.ID] {
		paths = append(paths, p)
	}
	return paths
}

// RecordPath registers a write path a step discovered while executing.
// Future eligibility queries treat it like a declared path.
func (g *Graph) RecordPath(stepID, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	set, exists := g.dynamicPaths[stepID]
	if !exists {
		set = make(map[string]struct{})
		g.dynamicPaths[stepID] = set
	}
	set[path] = struct{}{}
}

// RecordConflict forces laterID to wait until inFlightID reaches a terminal
// status, even without a static dependency between them.
func (g *Graph) RecordConflict(laterID, inFlightID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	set, exists := g.waits[laterID]
	if !exists {
		set = make(map[string]struct{})
		g.waits[laterID] = set
	}
	set[inFlightID] = struct{}{}
}

// MarkStatus advances a step through its state machine. Illegal transitions
// are rejected; they indicate a scheduling bug, not a recoverable condition.
func (g *Graph) MarkStatus(stepID string, next task.StepStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	step, exists := g.steps[stepID]
	if !exists {
		return fmt.Errorf("step %q not found", stepID)
	}
	if !step.Status.CanTransition(next) {
		return fmt.Errorf("step %q: illegal transition %s -> %s", stepID, step.Status, next)
	}
	step.Status = next
	return nil
}

// Update applies fn to the step under the graph lock. Use for mutations
// beyond status: tier history, counters, results.
func (g *Graph) Update(stepID string, fn func(*task.TaskStep)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	step, exists := g.steps[stepID]
	if !exists {
		return fmt.Errorf("step %q not found", stepID)
	}
	fn(step)
	return nil
}

// Step returns a clone of the step with the given ID.
func (g *Graph) Step(stepID string) (*task.TaskStep, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	step, exists := g.steps[stepID]
	if !exists {
		return nil, false
	}
	return step.Clone(), true
}

// Steps returns clones of all steps in declaration order.
func (g *Graph) Steps() []*task.TaskStep {
	g.mu.RLock()
	defer g.mu.RUnlock()

	steps := make([]*task.TaskStep, 0, len(g.order))
	for _, id := range g.order {
		steps = append(steps, g.steps[id].Clone())
	}
	return steps
}

// InFlightCount returns the number of steps currently dispatched or running.
func (g *Graph) InFlightCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, step := range g.steps {
		if inFlight(step.Status) {
			count++
		}
	}
	return count
}

// Stalled reports an unsatisfiable graph: nothing eligible, nothing in
// flight, yet pending steps remain. Distinct from completion, where no
// pending steps exist either.
func (g *Graph) Stalled() bool {
	if len(g.Eligible()) > 0 {
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	pending := false
	for _, step := range g.steps {
		if inFlight(step.Status) {
			return false
		}
		if step.Status == task.StepPending {
			pending = true
		}
	}
	return pending
}

// CancelDependents marks every transitive dependent of the given step
// Cancelled (a failed or cancelled dependency permanently blocks them).
// Returns the IDs of steps it cancelled.
func (g *Graph) CancelDependents(stepID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var cancelled []string
	queue := append([]string(nil), g.dependents[stepID]...)
	seen := make(map[string]struct{})

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, done := seen[id]; done {
			continue
		}
		seen[id] = struct{}{}

		step, exists := g.steps[id]
		if !exists {
			continue
		}
		if step.Status == task.StepPending || step.Status == task.StepEligible {
			step.Status = task.StepCancelled
			cancelled = append(cancelled, id)
		}
		queue = append(queue, g.dependents[id]...)
	}

	return cancelled
}

// CancelRemaining marks all not-yet-dispatched steps Cancelled. Used for
// structural aborts and external cancellation. Returns the cancelled IDs.
func (g *Graph) CancelRemaining() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var cancelled []string
	for _, id := range g.order {
		step := g.steps[id]
		if step.Status == task.StepPending || step.Status == task.StepEligible {
			step.Status = task.StepCancelled
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}
