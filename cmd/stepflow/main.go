package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/stepflow/internal/agent"
	"github.com/aristath/stepflow/internal/config"
	"github.com/aristath/stepflow/internal/events"
	"github.com/aristath/stepflow/internal/executor"
	"github.com/aristath/stepflow/internal/persistence"
	"github.com/aristath/stepflow/internal/task"
	"github.com/aristath/stepflow/internal/tier"
)

// stepSpec is one step in the input task list. Dependencies reference other
// steps by position.
type stepSpec struct {
	Description   string   `json:"description"`
	Category      string   `json:"category"`
	DependsOn     []int    `json:"depends_on,omitempty"`
	Paths         []string `json:"paths,omitempty"`
	VerifyCommand string   `json:"verify_command,omitempty"`
}

// listSpec is the JSON document stepflow executes.
type listSpec struct {
	Title    string     `json:"title"`
	MaxDepth int        `json:"max_depth,omitempty"`
	Steps    []stepSpec `json:"steps"`
}

// parseList converts an input document into a task list.
func parseList(data []byte) (*task.TaskList, error) {
	var spec listSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing task list: %w", err)
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("task list has no steps")
	}

	steps := make([]*task.TaskStep, len(spec.Steps))
	for i, s := range spec.Steps {
		cat, err := task.ParseCategory(s.Category)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		step := task.NewStep(cat, s.Description)
		step.DeclaredPaths = s.Paths
		step.VerifyCommand = s.VerifyCommand
		steps[i] = step
	}
	for i, s := range spec.Steps {
		for _, dep := range s.DependsOn {
			if dep < 0 || dep >= len(steps) || dep == i {
				return nil, fmt.Errorf("step %d: dependency index %d out of range", i, dep)
			}
			steps[i].DependsOn = append(steps[i].DependsOn, steps[dep].ID)
		}
	}

	list := task.NewList(spec.Title, steps)
	list.MaxDepth = spec.MaxDepth
	return list, nil
}

// buildAgents creates one agent per configured, enabled tier.
func buildAgents(cfg *config.Config) (map[tier.Tier]agent.Agent, error) {
	agents := make(map[tier.Tier]agent.Agent)
	for name, tc := range cfg.Tiers {
		if !tc.Enabled {
			continue
		}
		t, err := tier.Parse(name)
		if err != nil {
			return nil, err
		}
		ag, err := agent.New(agent.Config{Type: tc.Agent, Command: tc.Command, Model: tc.Model})
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", name, err)
		}
		agents[t] = ag
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no enabled tiers in configuration")
	}
	return agents, nil
}

// logEvents prints a line per execution event until the channel closes.
func logEvents(ch <-chan events.Event, done chan<- struct{}) {
	defer close(done)
	for e := range ch {
		switch ev := e.(type) {
		case events.StepStarted:
			log.Printf("step %s: attempt %d at tier %s", ev.ID, ev.Attempt, ev.Tier)
		case events.StepRetried:
			log.Printf("step %s: retrying at %s (%s)", ev.ID, ev.Tier, ev.Reason)
		case events.StepEscalated:
			log.Printf("step %s: escalating %s -> %s (%s)", ev.ID, ev.FromTier, ev.ToTier, ev.Reason)
		case events.StepCompleted:
			log.Printf("step %s: completed at %s in %s (cost %.4f)", ev.ID, ev.Tier, ev.Duration.Round(0), ev.Cost)
		case events.StepFailed:
			log.Printf("step %s: failed: %v", ev.ID, ev.Err)
		case events.StepCancelled:
			log.Printf("step %s: cancelled (%s)", ev.ID, ev.Reason)
		case events.ListFinished:
			log.Printf("list %s: %s (%d completed, %d failed, %d cancelled, cost %.4f)",
				ev.ID, ev.Status, ev.Completed, ev.Failed, ev.Cancelled, ev.Cost)
		}
	}
}

// exitCode maps a terminal list status to the process exit code.
func exitCode(status task.ListStatus) int {
	switch status {
	case task.ListCompleted:
		return 0
	case task.ListPartiallyCompleted:
		return 2
	default:
		return 1
	}
}

func run() int {
	inputPath := flag.String("input", "-", "task list JSON file, - for stdin")
	workRoot := flag.String("root", ".", "workspace root directory")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}

	var data []byte
	if *inputPath == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*inputPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading task list: %v\n", err)
		return 1
	}

	list, err := parseList(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	agents, err := buildAgents(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	var store persistence.Store
	if cfg.StorePath != "" {
		s, err := persistence.NewSQLiteStore(ctx, cfg.StorePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening store: %v\n", err)
			return 1
		}
		defer s.Close()
		store = s
	}

	bus := events.NewBus()
	logDone := make(chan struct{})
	go logEvents(bus.SubscribeAll(1024), logDone)

	orch, err := executor.New(executor.Options{
		Config:   cfg,
		Agents:   agents,
		Bus:      bus,
		Store:    store,
		WorkRoot: *workRoot,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		bus.Close()
		<-logDone
		return 1
	}

	status, err := orch.Execute(ctx, list)
	bus.Close()
	<-logDone

	if err != nil {
		fmt.Fprintf(os.Stderr, "run ended: %v\n", err)
	}
	return exitCode(status)
}

func main() {
	os.Exit(run())
}
