package events

import (
	"time"
)

// Event is implemented by everything published on the bus.
type Event interface {
	EventType() string
	StepID() string
}

// Topics group events by subject so a consumer can follow just steps or just
// whole-list lifecycle.
const (
	TopicStep = "step"
	TopicList = "list"
)

const (
	EventTypeStepEligible  = "step.eligible"
	EventTypeStepStarted   = "step.started"
	EventTypeStepRetried   = "step.retried"
	EventTypeStepEscalated = "step.escalated"
	EventTypeStepVerifying = "step.verifying"
	EventTypeStepCompleted = "step.completed"
	EventTypeStepFailed    = "step.failed"
	EventTypeStepCancelled = "step.cancelled"
	EventTypeListStarted   = "list.started"
	EventTypeListFinished  = "list.finished"
)

// StepEligible is published when a step's dependencies are satisfied and no
// in-flight step conflicts with it.
type StepEligible struct {
	ID        string
	ListID    string
	Timestamp time.Time
}

func (e StepEligible) EventType() string { return EventTypeStepEligible }
func (e StepEligible) StepID() string    { return e.ID }

// StepStarted is published when a step begins executing at a tier.
type StepStarted struct {
	ID        string
	ListID    string
	Tier      string
	Attempt   int
	Timestamp time.Time
}

func (e StepStarted) EventType() string { return EventTypeStepStarted }
func (e StepStarted) StepID() string    { return e.ID }

// StepRetried is published when an attempt failed and the step will run again
// at the same tier. Reason distinguishes backend failures from verification
// failures.
type StepRetried struct {
	ID        string
	Tier      string
	Attempt   int
	Reason    string
	Timestamp time.Time
}

func (e StepRetried) EventType() string { return EventTypeStepRetried }
func (e StepRetried) StepID() string    { return e.ID }

// StepEscalated is published when a step moves to a more capable tier.
type StepEscalated struct {
	ID        string
	FromTier  string
	ToTier    string
	Reason    string
	Timestamp time.Time
}

func (e StepEscalated) EventType() string { return EventTypeStepEscalated }
func (e StepEscalated) StepID() string    { return e.ID }

// StepVerifying is published when a step's verification command starts.
type StepVerifying struct {
	ID        string
	Command   string
	Timestamp time.Time
}

func (e StepVerifying) EventType() string { return EventTypeStepVerifying }
func (e StepVerifying) StepID() string    { return e.ID }

// StepCompleted is published when a step's work is committed.
type StepCompleted struct {
	ID        string
	ListID    string
	Tier      string
	Result    string
	Cost      float64
	Duration  time.Duration
	Timestamp time.Time
}

func (e StepCompleted) EventType() string { return EventTypeStepCompleted }
func (e StepCompleted) StepID() string    { return e.ID }

// StepFailed is published when a step exhausts every tier or hits a
// structural error.
type StepFailed struct {
	ID        string
	ListID    string
	Err       error
	Timestamp time.Time
}

func (e StepFailed) EventType() string { return EventTypeStepFailed }
func (e StepFailed) StepID() string    { return e.ID }

// StepCancelled is published when a step is skipped because a dependency
// failed or the list was aborted.
type StepCancelled struct {
	ID        string
	ListID    string
	Reason    string
	Timestamp time.Time
}

func (e StepCancelled) EventType() string { return EventTypeStepCancelled }
func (e StepCancelled) StepID() string    { return e.ID }

// ListStarted is published when a task list begins executing.
type ListStarted struct {
	ID        string
	Title     string
	Steps     int
	Timestamp time.Time
}

func (e ListStarted) EventType() string { return EventTypeListStarted }
func (e ListStarted) StepID() string    { return e.ID }

// ListFinished is published when every step of a list is terminal.
type ListFinished struct {
	ID        string
	Status    string
	Completed int
	Failed    int
	Cancelled int
	Cost      float64
	Duration  time.Duration
	Timestamp time.Time
}

func (e ListFinished) EventType() string { return EventTypeListFinished }
func (e ListFinished) StepID() string    { return e.ID }
