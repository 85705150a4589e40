package schemas

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// SchemaVersion is written into every exported sequence.
const SchemaVersion = "1.0"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sequence is an exportable, ordered step list.
type Sequence struct {
	Version   string
	Timestamp time.Time
	Steps     []Step
}

// sequenceRecord is the on-disk shape of a Sequence.
type sequenceRecord struct {
	Version   string       `json:"version"`
	Timestamp time.Time    `json:"timestamp"`
	Steps     []stepRecord `json:"steps"`
}

// stepRecord is the flat wire record of a Step. Every kind shares one record and
// uses the subset of fields that applies to it.
type stepRecord struct {
	ID          string   `json:"id"`
	Type        StepKind `json:"type"`
	Name        string   `json:"name,omitempty"`
	Locator     *Locator `json:"locator,omitempty"`
	TimeoutMs   int64    `json:"timeout,omitempty"`
	StopOnError bool     `json:"stopOnError,omitempty"`

	InputText  string `json:"inputText,omitempty"`
	ClearFirst bool   `json:"clearFirst,omitempty"`
	WaitTime   int64  `json:"waitTime,omitempty"`

	LoopSteps     []stepRecord `json:"loopSteps,omitempty"`
	Iterations    int          `json:"iterations,omitempty"`
	StartIndex    int          `json:"startIndex,omitempty"`
	EndIndex      *int         `json:"endIndex,omitempty"`
	SkipIndices   []int        `json:"skipIndices,omitempty"`
	ErrorHandling string       `json:"errorHandling,omitempty"`

	Condition  *Condition   `json:"condition,omitempty"`
	TrueSteps  []stepRecord `json:"trueSteps,omitempty"`
	FalseSteps []stepRecord `json:"falseSteps,omitempty"`

	State         string   `json:"state,omitempty"`
	Attribute     string   `json:"attribute,omitempty"`
	Variable      string   `json:"variable,omitempty"`
	TargetLocator *Locator `json:"targetLocator,omitempty"`
	VisibleOnly   bool     `json:"visibleOnly,omitempty"`

	URL           string `json:"url,omitempty"`
	WindowTimeout int64  `json:"windowTimeout,omitempty"`
	ReadyTimeout  int64  `json:"readyTimeout,omitempty"`
	SwitchToNew   bool   `json:"switchToNew,omitempty"`
	SwitchTarget  string `json:"switchTarget,omitempty"`
	WindowIndex   int    `json:"windowIndex,omitempty"`
	Match         string `json:"match,omitempty"`
}

// Export writes steps as a versioned sequence document.
func Export(w io.Writer, steps []Step, now time.Time) error {
	rec := sequenceRecord{
		Version:   SchemaVersion,
		Timestamp: now.UTC(),
		Steps:     make([]stepRecord, 0, len(steps)),
	}
	for _, st := range steps {
		rec.Steps = append(rec.Steps, toRecord(st))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode sequence: %w", err)
	}
	return nil
}

// Import reads a sequence document and assigns fresh ids to every step.
// It does not validate; callers run ValidateSteps before execution.
func Import(r io.Reader) (*Sequence, error) {
	seq, err := Decode(r)
	if err != nil {
		return nil, err
	}
	RegenerateIDs(seq.Steps)
	return seq, nil
}

// Decode reads a sequence document keeping the stored ids.
func Decode(r io.Reader) (*Sequence, error) {
	var rec sequenceRecord
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: malformed sequence document: %v", ErrValidation, err)
	}
	steps, err := fromRecords("steps", rec.Steps)
	if err != nil {
		return nil, err
	}
	return &Sequence{Version: rec.Version, Timestamp: rec.Timestamp, Steps: steps}, nil
}

// RegenerateIDs assigns a new random id to every step in the tree.
func RegenerateIDs(steps []Step) {
	for i := range steps {
		steps[i].ID = uuid.New().String()
		switch p := steps[i].Params.(type) {
		case *LoopParams:
			RegenerateIDs(p.Steps)
		case *ConditionParams:
			RegenerateIDs(p.OnTrue)
			RegenerateIDs(p.OnFalse)
		}
	}
}

func toRecords(steps []Step) []stepRecord {
	if len(steps) == 0 {
		return nil
	}
	out := make([]stepRecord, 0, len(steps))
	for _, st := range steps {
		out = append(out, toRecord(st))
	}
	return out
}

func toRecord(s Step) stepRecord {
	rec := stepRecord{
		ID:          s.ID,
		Type:        s.Kind,
		Name:        s.Name,
		TimeoutMs:   s.Timeout.Milliseconds(),
		StopOnError: s.StopOnError,
	}
	loc := func(l Locator) *Locator { return &l }

	switch p := s.Params.(type) {
	case *ClickParams:
		rec.Locator = loc(p.Locator)
	case *InputParams:
		rec.Locator = loc(p.Locator)
		rec.InputText = p.Text
		rec.ClearFirst = p.Clear
	case *WaitParams:
		rec.WaitTime = p.Duration.Milliseconds()
	case *SmartWaitParams:
		rec.Locator = loc(p.Locator)
		rec.VisibleOnly = p.VisibleOnly
	case *LoopParams:
		rec.LoopSteps = toRecords(p.Steps)
		rec.Iterations = p.Iterations
		rec.StartIndex = p.StartIndex
		if p.EndIndex != nil {
			end := *p.EndIndex
			rec.EndIndex = &end
		}
		rec.SkipIndices = append([]int(nil), p.SkipIndices...)
		rec.ErrorHandling = string(p.ErrorHandling)
	case *ConditionParams:
		c := p.Condition
		rec.Condition = &c
		rec.TrueSteps = toRecords(p.OnTrue)
		rec.FalseSteps = toRecords(p.OnFalse)
	case *CheckStateParams:
		rec.Locator = loc(p.Locator)
		rec.State = string(p.State)
	case *ExtractParams:
		rec.Locator = loc(p.Locator)
		rec.Attribute = p.Attribute
		rec.Variable = p.Variable
	case *DragParams:
		rec.Locator = loc(p.Locator)
		rec.TargetLocator = loc(p.Target)
	case *WindowOpenParams:
		if p.Locator != nil {
			rec.Locator = loc(*p.Locator)
		}
		rec.URL = p.URL
		rec.WindowTimeout = p.CreateTimeout.Milliseconds()
		rec.ReadyTimeout = p.ReadyTimeout.Milliseconds()
		rec.SwitchToNew = p.SwitchTo
	case *WindowSwitchParams:
		rec.SwitchTarget = string(p.Target)
		rec.WindowIndex = p.Index
		rec.Match = p.Match
	case *WindowWaitParams:
		rec.WindowTimeout = p.CreateTimeout.Milliseconds()
		rec.ReadyTimeout = p.ReadyTimeout.Milliseconds()
		rec.SwitchToNew = p.SwitchTo
	}
	return rec
}

func fromRecords(path string, recs []stepRecord) ([]Step, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	out := make([]Step, 0, len(recs))
	for i, rec := range recs {
		st, err := fromRecord(fmt.Sprintf("%s[%d]", path, i), rec)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func fromRecord(path string, rec stepRecord) (Step, error) {
	st := Step{
		ID:          rec.ID,
		Kind:        rec.Type,
		Name:        rec.Name,
		StopOnError: rec.StopOnError,
		Timeout:     ms(rec.TimeoutMs),
	}
	var locator Locator
	if rec.Locator != nil {
		locator = *rec.Locator
	}
	if locator.Strategy == "" && locator.Value != "" {
		locator.Strategy = StrategyCSS
	}

	switch rec.Type {
	case KindClick:
		st.Params = &ClickParams{Locator: locator}
	case KindInput:
		st.Params = &InputParams{Locator: locator, Text: rec.InputText, Clear: rec.ClearFirst}
	case KindWait:
		st.Params = &WaitParams{Duration: ms(rec.WaitTime)}
	case KindSmartWait:
		st.Params = &SmartWaitParams{Locator: locator, VisibleOnly: rec.VisibleOnly}
	case KindLoop:
		children, err := fromRecords(path+".loopSteps", rec.LoopSteps)
		if err != nil {
			return Step{}, err
		}
		var end *int
		if rec.EndIndex != nil {
			v := *rec.EndIndex
			end = &v
		}
		st.Params = &LoopParams{
			Steps:         children,
			Iterations:    rec.Iterations,
			StartIndex:    rec.StartIndex,
			EndIndex:      end,
			SkipIndices:   append([]int(nil), rec.SkipIndices...),
			ErrorHandling: LoopErrorMode(rec.ErrorHandling),
		}
	case KindCondition:
		onTrue, err := fromRecords(path+".trueSteps", rec.TrueSteps)
		if err != nil {
			return Step{}, err
		}
		onFalse, err := fromRecords(path+".falseSteps", rec.FalseSteps)
		if err != nil {
			return Step{}, err
		}
		p := &ConditionParams{OnTrue: onTrue, OnFalse: onFalse}
		if rec.Condition != nil {
			p.Condition = *rec.Condition
			if p.Condition.Locator.Strategy == "" && p.Condition.Locator.Value != "" {
				p.Condition.Locator.Strategy = StrategyCSS
			}
		}
		st.Params = p
	case KindCheckState:
		st.Params = &CheckStateParams{Locator: locator, State: ElementState(rec.State)}
	case KindExtract:
		st.Params = &ExtractParams{Locator: locator, Attribute: rec.Attribute, Variable: rec.Variable}
	case KindDrag:
		p := &DragParams{Locator: locator}
		if rec.TargetLocator != nil {
			p.Target = *rec.TargetLocator
			if p.Target.Strategy == "" && p.Target.Value != "" {
				p.Target.Strategy = StrategyCSS
			}
		}
		st.Params = p
	case KindWindowOpen:
		p := &WindowOpenParams{
			URL:           rec.URL,
			CreateTimeout: ms(rec.WindowTimeout),
			ReadyTimeout:  ms(rec.ReadyTimeout),
			SwitchTo:      rec.SwitchToNew,
		}
		if rec.Locator != nil {
			p.Locator = &locator
		}
		st.Params = p
	case KindWindowClose:
		st.Params = &WindowCloseParams{}
	case KindWindowSwitch:
		st.Params = &WindowSwitchParams{Target: SwitchTarget(rec.SwitchTarget), Index: rec.WindowIndex, Match: rec.Match}
	case KindWindowWait:
		st.Params = &WindowWaitParams{
			CreateTimeout: ms(rec.WindowTimeout),
			ReadyTimeout:  ms(rec.ReadyTimeout),
			SwitchTo:      rec.SwitchToNew,
		}
	default:
		return Step{}, &ValidationError{Path: path, StepID: rec.ID, Reason: fmt.Sprintf("unknown step type %q", rec.Type)}
	}
	return st, nil
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
