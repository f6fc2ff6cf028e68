package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/stepflow/internal/task"
	"github.com/aristath/stepflow/internal/verify"
)

// commandRequest is the JSON document fed to the subprocess on stdin.
type commandRequest struct {
	StepID      string `json:"step_id"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Context     string `json:"context,omitempty"`
	Model       string `json:"model,omitempty"`
}

// commandResponse is the JSON document the subprocess prints on stdout.
// Exactly one of files/tasklist may be present; result alone means a
// text-only outcome.
type commandResponse struct {
	Result string  `json:"result"`
	Cost   float64 `json:"cost,omitempty"`
	Files  []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Delete  bool   `json:"delete,omitempty"`
	} `json:"files,omitempty"`
	TaskList *struct {
		Title string `json:"title,omitempty"`
		Steps []struct {
			Description   string   `json:"description"`
			Category      string   `json:"category"`
			DependsOn     []int    `json:"depends_on,omitempty"`
			Paths         []string `json:"paths,omitempty"`
			VerifyCommand string   `json:"verify_command,omitempty"`
		} `json:"steps"`
	} `json:"tasklist,omitempty"`
}

// CommandAgent drives an external program: the request goes in as JSON on
// stdin, the outcome comes back as JSON on stdout. File changes named in the
// response are applied through the workspace so they are transactional.
type CommandAgent struct {
	argv   []string
	model  string
	runner *verify.Runner
}

// NewCommandAgent creates a subprocess-backed agent.
func NewCommandAgent(cfg Config) (*CommandAgent, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("command agent requires a command")
	}
	return &CommandAgent{
		argv:   cfg.Command,
		model:  cfg.Model,
		runner: verify.NewRunner(10 * time.Minute),
	}, nil
}

// Name returns the program being driven.
func (a *CommandAgent) Name() string {
	return a.argv[0]
}

// Execute runs the subprocess once and applies its outcome.
func (a *CommandAgent) Execute(ctx context.Context, req Request) (Outcome, error) {
	input, err := json.Marshal(commandRequest{
		StepID:      req.StepID,
		Description: req.Description,
		Category:    req.Category.String(),
		Context:     req.Context,
		Model:       a.model,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("encoding request: %w", err)
	}

	res, err := a.runner.RunArgvInput(ctx, req.Workspace.Root(), input, a.argv...)
	if err != nil {
		return Outcome{}, Hard(fmt.Errorf("agent %s: %w", a.Name(), err))
	}
	if !res.Passed() {
		return Outcome{}, Hard(fmt.Errorf("agent %s exited %d: %s", a.Name(), res.ExitCode, firstLine(res.Stderr)))
	}

	var resp commandResponse
	if err := json.Unmarshal([]byte(res.Stdout), &resp); err != nil {
		return Outcome{}, Hard(fmt.Errorf("agent %s: decoding response: %w", a.Name(), err))
	}

	if resp.TaskList != nil {
		list, err := buildSubtasks(resp)
		if err != nil {
			return Outcome{}, Hard(err)
		}
		return Outcome{Kind: OutcomeDecompose, Summary: resp.Result, Subtasks: list, Cost: resp.Cost}, nil
	}

	if len(resp.Files) == 0 {
		return Outcome{Kind: OutcomeText, Summary: resp.Result, Cost: resp.Cost}, nil
	}

	changed := make([]string, 0, len(resp.Files))
	for _, f := range resp.Files {
		if f.Delete {
			err = req.Workspace.Remove(f.Path)
		} else {
			err = req.Workspace.WriteFile(f.Path, []byte(f.Content))
		}
		if err != nil {
			// Not hard: a vetoed or failed write is a property of this attempt's
			// work, and the caller rolls the transaction back.
			return Outcome{}, fmt.Errorf("applying change to %s: %w", f.Path, err)
		}
		changed = append(changed, f.Path)
	}
	return Outcome{Kind: OutcomeChanges, Summary: resp.Result, Changed: changed, Cost: resp.Cost}, nil
}

// buildSubtasks converts the response's step specs into a task list, mapping
// positional depends_on indices to the generated step IDs.
func buildSubtasks(resp commandResponse) (*task.TaskList, error) {
	specs := resp.TaskList.Steps
	if len(specs) == 0 {
		return nil, errors.New("decomposition with no steps")
	}

	steps := make([]*task.TaskStep, len(specs))
	for i, spec := range specs {
		cat, err := task.ParseCategory(spec.Category)
		if err != nil {
			return nil, fmt.Errorf("subtask %d: %w", i, err)
		}
		step := task.NewStep(cat, spec.Description)
		step.DeclaredPaths = spec.Paths
		step.VerifyCommand = spec.VerifyCommand
		steps[i] = step
	}
	for i, spec := range specs {
		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= len(steps) || dep == i {
				return nil, fmt.Errorf("subtask %d: dependency index %d out of range", i, dep)
			}
			steps[i].DependsOn = append(steps[i].DependsOn, steps[dep].ID)
		}
	}

	title := resp.TaskList.Title
	if title == "" {
		title = resp.Result
	}
	return task.NewList(title, steps), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
