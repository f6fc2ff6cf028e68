package task

import (
	"testing"
)

// TestCategory_DefaultVerifyCommand verifies per-category verification defaults.
func TestCategory_DefaultVerifyCommand(t *testing.T) {
	tests := []struct {
		category Category
		want     string
	}{
		{Debug, "go build ./..."},
		{Feature, "go build ./..."},
		{Verify, "go build ./..."},
		{Refactor, "go vet ./..."},
		{Test, "go test ./..."},
	}

	for _, tt := range tests {
		if got := tt.category.DefaultVerifyCommand(); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.category, got, tt.want)
		}
	}
}

// TestParseCategory_RoundTrip verifies every category parses back from its name.
func TestParseCategory_RoundTrip(t *testing.T) {
	for _, c := range []Category{Debug, Feature, Refactor, Verify, Test} {
		parsed, err := ParseCategory(c.String())
		if err != nil {
			t.Fatalf("ParseCategory(%q): %v", c.String(), err)
		}
		if parsed != c {
			t.Errorf("ParseCategory(%q) = %v, want %v", c.String(), parsed, c)
		}
	}

	if _, err := ParseCategory("bogus"); err == nil {
		t.Error("expected error for unknown category")
	}
}

// TestStepStatus_ForwardOnly verifies the state machine never re-enters Pending
// and terminal states allow no transitions.
func TestStepStatus_ForwardOnly(t *testing.T) {
	all := []StepStatus{
		StepPending, StepEligible, StepLocked, StepExecuting,
		StepVerifying, StepCompleted, StepFailed, StepCancelled,
	}

	for _, from := range all {
		if from != StepPending && from.CanTransition(StepPending) {
			t.Errorf("%s must not transition back to pending", from)
		}
	}

	for _, terminal := range []StepStatus{StepCompleted, StepFailed, StepCancelled} {
		for _, to := range all {
			if terminal.CanTransition(to) {
				t.Errorf("terminal %s must not transition to %s", terminal, to)
			}
		}
	}
}

// TestStepStatus_RetryLoop verifies the executing/verifying retry cycle is legal.
func TestStepStatus_RetryLoop(t *testing.T) {
	if !StepExecuting.CanTransition(StepVerifying) {
		t.Error("executing -> verifying should be allowed")
	}
	if !StepVerifying.CanTransition(StepExecuting) {
		t.Error("verifying -> executing (retry) should be allowed")
	}
	if !StepVerifying.CanTransition(StepCompleted) {
		t.Error("verifying -> completed should be allowed")
	}
}

// TestTaskStep_VerificationCommand verifies the override beats the default.
func TestTaskStep_VerificationCommand(t *testing.T) {
	step := NewStep(Feature, "implement parser")
	if got := step.VerificationCommand(); got != "go build ./..." {
		t.Errorf("default command: got %q", got)
	}

	step.VerifyCommand = "make check"
	if got := step.VerificationCommand(); got != "make check" {
		t.Errorf("override command: got %q", got)
	}
}

// TestTaskStep_TierHistoryCost verifies attempt recording and cost summation.
func TestTaskStep_TierHistoryCost(t *testing.T) {
	step := NewStep(Debug, "find the leak")
	step.RecordAttempt(TierAttempt{Tier: "local", Rank: 0, Outcome: OutcomeHardError, Cost: 0})
	step.RecordAttempt(TierAttempt{Tier: "standard", Rank: 1, Outcome: OutcomeSoftError, Cost: 0.002})
	step.RecordAttempt(TierAttempt{Tier: "premium", Rank: 2, Outcome: OutcomeCompleted, Cost: 0.015})

	if len(step.TierHistory) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(step.TierHistory))
	}
	if got, want := step.TotalCost(), 0.017; got != want {
		t.Errorf("total cost: got %v, want %v", got, want)
	}

	// History must be non-decreasing in rank.
	for i := 1; i < len(step.TierHistory); i++ {
		if step.TierHistory[i].Rank < step.TierHistory[i-1].Rank {
			t.Errorf("tier history rank decreased at %d", i)
		}
	}
}

// TestTaskStep_Clone verifies clones do not share slice backing.
func TestTaskStep_Clone(t *testing.T) {
	step := NewStep(Feature, "add endpoint")
	step.DependsOn = []string{"a"}
	step.DeclaredPaths = []string{"api/server.go"}

	cp := step.Clone()
	cp.DependsOn[0] = "b"
	cp.DeclaredPaths[0] = "other.go"

	if step.DependsOn[0] != "a" || step.DeclaredPaths[0] != "api/server.go" {
		t.Error("clone mutated the original")
	}
}

// TestTaskList_ComputeStatus verifies terminal status derivation.
func TestTaskList_ComputeStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []StepStatus
		want     ListStatus
	}{
		{"all completed", []StepStatus{StepCompleted, StepCompleted}, ListCompleted},
		{"one failed", []StepStatus{StepCompleted, StepFailed}, ListFailed},
		{"cancelled no failures", []StepStatus{StepCompleted, StepCancelled}, ListPartiallyCompleted},
		{"failed beats cancelled", []StepStatus{StepFailed, StepCancelled}, ListFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := make([]*TaskStep, len(tt.statuses))
			for i, st := range tt.statuses {
				steps[i] = NewStep(Feature, "step")
				steps[i].Status = st
			}
			list := NewList("test", steps)

			if !list.AllTerminal() {
				t.Fatal("expected all steps terminal")
			}
			if got := list.ComputeStatus(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// TestTaskList_Progress verifies progress percentage and step lookup.
func TestTaskList_Progress(t *testing.T) {
	a := NewStep(Feature, "a")
	b := NewStep(Test, "b")
	list := NewList("progress", []*TaskStep{a, b})

	if list.Progress() != 0 {
		t.Errorf("fresh list progress: got %d", list.Progress())
	}

	a.Status = StepCompleted
	if list.Progress() != 50 {
		t.Errorf("half done: got %d", list.Progress())
	}

	if list.Step(b.ID) != b {
		t.Error("Step lookup by ID failed")
	}
	if list.Step("missing") != nil {
		t.Error("Step lookup for unknown ID should return nil")
	}
	if a.ListID != list.ID {
		t.Error("NewList should link steps to the list")
	}
}
