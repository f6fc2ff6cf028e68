package task

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ContributionKind classifies an execution context entry.
type ContributionKind int

const (
	FileRead ContributionKind = iota
	FileWritten
	CommandOutput
	Finding
)

func (k ContributionKind) String() string {
	switch k {
	case FileRead:
		return "file_read"
	case FileWritten:
		return "file_written"
	case CommandOutput:
		return "command_output"
	case Finding:
		return "finding"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Contribution is one append-only record surfaced by a step: a file it
// touched, a command it ran, or a finding worth passing to later steps.
type Contribution struct {
	StepID    string
	Kind      ContributionKind
	Path      string
	Text      string
	Timestamp time.Time
}

// ExecutionContext accumulates contributions across a task list's execution.
// It is single-writer-many-reader: steps collect contributions locally and
// the pool merges them after each step's terminal transition. Readers get
// immutable copies via View.
type ExecutionContext struct {
	mu      sync.RWMutex
	entries []Contribution
}

// NewExecutionContext creates an empty execution context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{}
}

// Merge appends a step's contributions. Entries without a timestamp are
// stamped at merge time.
func (c *ExecutionContext) Merge(entries []Contribution) {
	if len(entries) == 0 {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		c.entries = append(c.entries, e)
	}
}

// View returns a copy of all contributions recorded so far.
func (c *ExecutionContext) View() []Contribution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Contribution(nil), c.entries...)
}

// Render formats the context as prompt text for the agent backend. Findings
// and command outputs appear in full; file touches as one line each.
func (c *ExecutionContext) Render() string {
	entries := c.View()
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Prior work in this task list:\n")
	for _, e := range entries {
		switch e.Kind {
		case FileRead:
			fmt.Fprintf(&b, "- read %s\n", e.Path)
		case FileWritten:
			fmt.Fprintf(&b, "- wrote %s\n", e.Path)
		case CommandOutput:
			fmt.Fprintf(&b, "- command output:\n%s\n", e.Text)
		case Finding:
			fmt.Fprintf(&b, "- finding: %s\n", e.Text)
		}
	}
	return b.String()
}
