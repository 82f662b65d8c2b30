package migration

import "fmt"

// Step is a registered forward migration. Steps form a simple chain, not a
// graph: each schema version has at most one forward step.
type Step struct {
	ID          string
	FromVersion int
	ToVersion   int
	// Migrate mutates the user-data directory in place. The runner wraps
	// every invocation in a filesystem backup of the tracked files.
	Migrate func(userDataDir string) error
}

// PlannedStep is the persisted-free description of one hop in a plan.
type PlannedStep struct {
	ID          string `json:"id"`
	FromVersion int    `json:"fromVersion"`
	ToVersion   int    `json:"toVersion"`
}

// Plan is the pure, derived result of planning a migration. It is never
// persisted.
type Plan struct {
	FromVersion   int           `json:"fromVersion"`
	ToVersion     int           `json:"toVersion"`
	Required      bool          `json:"required"`
	Supported     bool          `json:"supported"`
	BlockedReason string        `json:"blockedReason,omitempty"`
	Steps         []PlannedStep `json:"steps"`
}

// Planner computes migration plans over a registered step chain.
type Planner struct {
	steps []Step
}

func NewPlanner(steps []Step) *Planner {
	return &Planner{steps: steps}
}

// Plan walks the chain from one schema version to another. Equal versions
// plan to a supported no-op; downgrades are never supported; a gap in the
// chain yields an unsupported plan naming the missing hop.
func (p *Planner) Plan(from, to int) Plan {
	plan := Plan{FromVersion: from, ToVersion: to, Steps: []PlannedStep{}}

	if from == to {
		plan.Supported = true
		return plan
	}

	if to < from {
		plan.BlockedReason = fmt.Sprintf("downgrade from schema version %d to %d is not supported", from, to)
		return plan
	}

	plan.Required = true

	cursor := from
	for cursor < to {
		step, ok := p.stepFrom(cursor)
		if !ok {
			plan.BlockedReason = fmt.Sprintf("no migration step registered from schema version %d towards %d", cursor, to)
			plan.Steps = []PlannedStep{}
			return plan
		}
		plan.Steps = append(plan.Steps, PlannedStep{ID: step.ID, FromVersion: step.FromVersion, ToVersion: step.ToVersion})
		cursor = step.ToVersion
	}

	plan.Supported = true
	return plan
}

func (p *Planner) stepFrom(version int) (Step, bool) {
	for _, s := range p.steps {
		if s.FromVersion == version {
			return s, true
		}
	}
	return Step{}, false
}

func (p *Planner) step(id string) (Step, bool) {
	for _, s := range p.steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}
