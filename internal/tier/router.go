package tier

import (
	"fmt"

	"github.com/aristath/stepflow/internal/task"
)

// Tier is a ranked execution backend. Rank order is escalation order: a step
// that exhausts its retries at one tier moves to the next, never back down.
type Tier int

const (
	Local    Tier = iota // Free, fast, weakest
	Standard             // Hosted mid-cost model
	Premium              // Most capable, most expensive
)

func (t Tier) String() string {
	switch t {
	case Local:
		return "local"
	case Standard:
		return "standard"
	case Premium:
		return "premium"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Rank returns the tier's position in the escalation order.
func (t Tier) Rank() int {
	return int(t)
}

// Parse converts a tier name to its Tier value.
func Parse(s string) (Tier, error) {
	switch s {
	case "local":
		return Local, nil
	case "standard":
		return Standard, nil
	case "premium":
		return Premium, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// Tiers returns all tiers in escalation order.
func Tiers() []Tier {
	return []Tier{Local, Standard, Premium}
}

// Router maps a step to its starting tier and exposes the escalation order.
// Implementations are pure policy: no side effects, no state mutation.
type Router interface {
	// Initial selects the tier a step first executes at.
	Initial(step *task.TaskStep) Tier
	// Next returns the tier above current, or false at the top.
	Next(current Tier) (Tier, bool)
	// Cost estimates the cost of one attempt at the tier, in dollars.
	Cost(t Tier) float64
}

// StaticRouter routes by simple heuristics: long descriptions go straight to
// the premium tier, debugging and refactoring start mid-tier, everything else
// starts local. Disabled tiers are skipped in both selection and escalation.
type StaticRouter struct {
	enabled       map[Tier]bool
	costs         map[Tier]float64
	longDescChars int
}

// NewStaticRouter creates a router with every tier enabled and default costs.
func NewStaticRouter() *StaticRouter {
	return &StaticRouter{
		enabled: map[Tier]bool{Local: true, Standard: true, Premium: true},
		costs: map[Tier]float64{
			Local:    0,
			Standard: 0.002,
			Premium:  0.015,
		},
		longDescChars: 2000,
	}
}

// WithTiers enables or disables tiers. At least one tier should stay enabled;
// a router with everything disabled routes every step to Local.
func (r *StaticRouter) WithTiers(local, standard, premium bool) *StaticRouter {
	r.enabled[Local] = local
	r.enabled[Standard] = standard
	r.enabled[Premium] = premium
	return r
}

// Initial selects the starting tier for a step.
func (r *StaticRouter) Initial(step *task.TaskStep) Tier {
	want := Local
	switch {
	case len(step.Description) >= r.longDescChars:
		want = Premium
	case step.Category == task.Debug || step.Category == task.Refactor:
		want = Standard
	}

	// First enabled tier at or above the heuristic choice.
	for _, t := range Tiers() {
		if t.Rank() >= want.Rank() && r.enabled[t] {
			return t
		}
	}
	// Nothing enabled above; fall back to the highest enabled tier.
	for i := len(Tiers()) - 1; i >= 0; i-- {
		if r.enabled[Tiers()[i]] {
			return Tiers()[i]
		}
	}
	return Local
}

// Next returns the next enabled tier above current.
func (r *StaticRouter) Next(current Tier) (Tier, bool) {
	for _, t := range Tiers() {
		if t.Rank() > current.Rank() && r.enabled[t] {
			return t, true
		}
	}
	return current, false
}

// Cost returns the per-attempt cost estimate for a tier.
func (r *StaticRouter) Cost(t Tier) float64 {
	return r.costs[t]
}
