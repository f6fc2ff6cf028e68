package task

import (
	"fmt"

	"github.com/google/uuid"
)

// Category classifies a step and selects its default verification command.
type Category int

const (
	Debug    Category = iota // Investigate a problem
	Feature                  // Implement new functionality
	Refactor                 // Restructure existing code
	Verify                   // Confirm changes work
	Test                     // Run or write tests
)

// DefaultVerifyCommand returns the verification command used when a step does
// not override it. Defaults assume a Go project; override per step or via
// engine configuration for other toolchains.
func (c Category) DefaultVerifyCommand() string {
	switch c {
	case Refactor:
		return "go vet ./..."
	case Test:
		return "go test ./..."
	default:
		return "go build ./..."
	}
}

func (c Category) String() string {
	switch c {
	case Debug:
		return "debug"
	case Feature:
		return "feature"
	case Refactor:
		return "refactor"
	case Verify:
		return "verify"
	case Test:
		return "test"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ParseCategory converts a category name to its Category value.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "debug":
		return Debug, nil
	case "feature":
		return Feature, nil
	case "refactor":
		return Refactor, nil
	case "verify":
		return Verify, nil
	case "test":
		return Test, nil
	default:
		return 0, fmt.Errorf("unknown category %q", s)
	}
}

// StepStatus represents the current state of a step.
type StepStatus int

const (
	StepPending   StepStatus = iota // Waiting for dependencies
	StepEligible                    // Dependencies resolved, ready for dispatch
	StepLocked                      // Acquiring or holding file locks
	StepExecuting                   // Agent call in flight
	StepVerifying                   // Verification command running
	StepCompleted                   // Finished successfully
	StepFailed                      // Exhausted all recovery options
	StepCancelled                   // Never ran, or aborted by cancellation
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepEligible:
		return "eligible"
	case StepLocked:
		return "locked"
	case StepExecuting:
		return "executing"
	case StepVerifying:
		return "verifying"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	case StepCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCancelled
}

// stepTransitions encodes the forward-only state machine. Verifying may
// re-enter Executing for the retry/escalation loop; nothing re-enters Pending.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:   {StepEligible, StepCancelled},
	StepEligible:  {StepLocked, StepCancelled},
	StepLocked:    {StepExecuting, StepFailed, StepCancelled},
	StepExecuting: {StepVerifying, StepExecuting, StepFailed, StepCancelled},
	StepVerifying: {StepExecuting, StepCompleted, StepFailed, StepCancelled},
}

// CanTransition reports whether moving from s to next is a legal advance.
func (s StepStatus) CanTransition(next StepStatus) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AttemptOutcome records how a single tier attempt ended.
type AttemptOutcome string

const (
	OutcomeCompleted AttemptOutcome = "completed"
	OutcomeHardError AttemptOutcome = "hard_error"
	OutcomeSoftError AttemptOutcome = "soft_error"
	OutcomeCancelled AttemptOutcome = "cancelled"
)

// TierAttempt is one entry in a step's tier history. Rank is the tier's
// position in the escalation order; the history is non-decreasing in rank.
type TierAttempt struct {
	Tier    string
	Rank    int
	Outcome AttemptOutcome
	Detail  string
	Cost    float64
}

// TaskStep is one schedulable, verifiable unit of work.
type TaskStep struct {
	ID            string
	ListID        string
	Description   string
	Category      Category
	DependsOn     []string // Step IDs that must complete first
	DeclaredPaths []string // Files this step is expected to touch
	VerifyCommand string   // Overrides the category default when set
	Status        StepStatus
	TierHistory   []TierAttempt
	AttemptCount  int
	SoftRetries   int
	Result        string
	VerifyOutput  string // Last verification command output, kept for diagnosis
	Err           error
}

// NewStep creates a pending step with a generated ID.
func NewStep(category Category, description string) *TaskStep {
	return &TaskStep{
		ID:          uuid.NewString(),
		Description: description,
		Category:    category,
		Status:      StepPending,
	}
}

// VerificationCommand returns the step's exit command, falling back to the
// category default.
func (s *TaskStep) VerificationCommand() string {
	if s.VerifyCommand != "" {
		return s.VerifyCommand
	}
	return s.Category.DefaultVerifyCommand()
}

// RecordAttempt appends a tier attempt to the step's history.
func (s *TaskStep) RecordAttempt(attempt TierAttempt) {
	s.TierHistory = append(s.TierHistory, attempt)
}

// TotalCost sums the cost of every attempted tier.
func (s *TaskStep) TotalCost() float64 {
	total := 0.0
	for _, a := range s.TierHistory {
		total += a.Cost
	}
	return total
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *TaskStep) Clone() *TaskStep {
	if s == nil {
		return nil
	}
	cp := *s
	if s.DependsOn != nil {
		cp.DependsOn = append([]string(nil), s.DependsOn...)
	}
	if s.DeclaredPaths != nil {
		cp.DeclaredPaths = append([]string(nil), s.DeclaredPaths...)
	}
	if s.TierHistory != nil {
		cp.TierHistory = append([]TierAttempt(nil), s.TierHistory...)
	}
	return &cp
}

// ListStatus represents the overall state of a task list.
type ListStatus int

const (
	ListNotStarted ListStatus = iota
	ListRunning
	ListCompleted
	ListPartiallyCompleted
	ListFailed
	ListCancelled
)

func (s ListStatus) String() string {
	switch s {
	case ListNotStarted:
		return "not_started"
	case ListRunning:
		return "running"
	case ListCompleted:
		return "completed"
	case ListPartiallyCompleted:
		return "partially_completed"
	case ListFailed:
		return "failed"
	case ListCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal reports whether the list has reached a final state.
func (s ListStatus) IsTerminal() bool {
	return s == ListCompleted || s == ListPartiallyCompleted ||
		s == ListFailed || s == ListCancelled
}

// TaskList is a DAG of steps representing one decomposed unit of work.
type TaskList struct {
	ID       string
	Title    string
	Steps    []*TaskStep
	Status   ListStatus
	MaxDepth int // Remaining recursive decomposition budget
}

// NewList creates a list with a generated ID and links the steps to it.
func NewList(title string, steps []*TaskStep) *TaskList {
	id := uuid.NewString()
	for _, step := range steps {
		step.ListID = id
	}
	return &TaskList{
		ID:     id,
		Title:  title,
		Steps:  steps,
		Status: ListNotStarted,
	}
}

// Step returns the step with the given ID, or nil.
func (l *TaskList) Step(id string) *TaskStep {
	for _, s := range l.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// CompletedCount returns the number of completed steps.
func (l *TaskList) CompletedCount() int {
	return l.countStatus(StepCompleted)
}

// FailedCount returns the number of failed steps.
func (l *TaskList) FailedCount() int {
	return l.countStatus(StepFailed)
}

// CancelledCount returns the number of cancelled steps.
func (l *TaskList) CancelledCount() int {
	return l.countStatus(StepCancelled)
}

func (l *TaskList) countStatus(status StepStatus) int {
	count := 0
	for _, s := range l.Steps {
		if s.Status == status {
			count++
		}
	}
	return count
}

// Progress returns completion as a percentage (0-100).
func (l *TaskList) Progress() int {
	if len(l.Steps) == 0 {
		return 0
	}
	return l.CompletedCount() * 100 / len(l.Steps)
}

// AllTerminal reports whether every step has reached a terminal status.
func (l *TaskList) AllTerminal() bool {
	for _, s := range l.Steps {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// ComputeStatus derives the terminal list status from step statuses:
// Completed when every step completed, Failed when any step failed,
// PartiallyCompleted when some were cancelled but none failed outright.
// Call only after AllTerminal returns true.
func (l *TaskList) ComputeStatus() ListStatus {
	if l.FailedCount() > 0 {
		return ListFailed
	}
	if l.CancelledCount() > 0 {
		return ListPartiallyCompleted
	}
	return ListCompleted
}

// TotalCost sums the tier costs of every step.
func (l *TaskList) TotalCost() float64 {
	total := 0.0
	for _, s := range l.Steps {
		total += s.TotalCost()
	}
	return total
}
