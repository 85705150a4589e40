package schemas

import "time"

// RunPhase is the state of a coordinator's execution state machine.
type RunPhase string

const (
	PhaseIdle      RunPhase = "idle"
	PhaseRunning   RunPhase = "running"
	PhasePaused    RunPhase = "paused"
	PhaseCompleted RunPhase = "completed"
	PhaseCancelled RunPhase = "cancelled"
	PhaseFailed    RunPhase = "failed"
)

// Terminal reports whether the phase ends a run.
func (p RunPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// StepOutcome is the recorded result of one executed step.
type StepOutcome string

const (
	OutcomePassed  StepOutcome = "passed"
	OutcomeFailed  StepOutcome = "failed"
	OutcomeSkipped StepOutcome = "skipped"
)

// StepResult records one step execution. Loop children produce one result per
// iteration.
type StepResult struct {
	StepID       string        `json:"stepId"`
	Kind         StepKind      `json:"kind"`
	Path         string        `json:"path"`
	Iteration    int           `json:"iteration,omitempty"`
	Outcome      StepOutcome   `json:"outcome"`
	ContextID    string        `json:"contextId,omitempty"`
	Value        string        `json:"value,omitempty"`
	ConditionMet *bool         `json:"conditionMet,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
}

// RunReport summarizes a finished (or in-progress) run.
type RunReport struct {
	RunID      string            `json:"runId"`
	Phase      RunPhase          `json:"phase"`
	Total      int               `json:"total"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Results    []StepResult      `json:"results"`
	Variables  map[string]string `json:"variables,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Failures counts failed step results.
func (r *RunReport) Failures() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// RunSummary is one row of run history.
type RunSummary struct {
	RunID      string
	Name       string
	Phase      RunPhase
	Total      int
	Failures   int
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Summary condenses a report into a history row.
func (r *RunReport) Summary(name string) RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		Name:       name,
		Phase:      r.Phase,
		Total:      r.Total,
		Failures:   r.Failures(),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
	}
}
