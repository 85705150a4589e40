package schemas

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation marks a step or sequence that is malformed before execution.
var ErrValidation = errors.New("validation error")

// -- Step Kinds --

// StepKind identifies the operation a step performs.
type StepKind string

const (
	KindClick        StepKind = "click"
	KindInput        StepKind = "input"
	KindWait         StepKind = "wait"
	KindSmartWait    StepKind = "smartWait"
	KindLoop         StepKind = "loop"
	KindCondition    StepKind = "condition"
	KindCheckState   StepKind = "checkState"
	KindExtract      StepKind = "extract"
	KindDrag         StepKind = "drag"
	KindWindowOpen   StepKind = "windowOpen"
	KindWindowClose  StepKind = "windowClose"
	KindWindowSwitch StepKind = "windowSwitch"
	KindWindowWait   StepKind = "windowWait"
)

func (k StepKind) String() string { return string(k) }

// IsWindowKind reports whether the kind is handled by the context tracker rather than the executor.
func (k StepKind) IsWindowKind() bool {
	switch k {
	case KindWindowOpen, KindWindowClose, KindWindowSwitch, KindWindowWait:
		return true
	}
	return false
}

// -- Locators --

// LocatorStrategy is the element lookup strategy understood by the executor.
type LocatorStrategy string

const (
	StrategyCSS       LocatorStrategy = "css"
	StrategyXPath     LocatorStrategy = "xpath"
	StrategyID        LocatorStrategy = "id"
	StrategyName      LocatorStrategy = "name"
	StrategyClassName LocatorStrategy = "className"
	StrategyTagName   LocatorStrategy = "tagName"
	StrategyText      LocatorStrategy = "text"
)

var knownStrategies = map[LocatorStrategy]bool{
	StrategyCSS: true, StrategyXPath: true, StrategyID: true, StrategyName: true,
	StrategyClassName: true, StrategyTagName: true, StrategyText: true,
}

// Locator identifies target elements within a context.
type Locator struct {
	Strategy LocatorStrategy `json:"strategy"`
	Value    string          `json:"value"`
}

// IsZero reports whether the locator has no value to look up.
func (l Locator) IsZero() bool { return strings.TrimSpace(l.Value) == "" }

func (l Locator) String() string { return fmt.Sprintf("%s=%s", l.Strategy, l.Value) }

// -- Conditions --

// ConditionType selects what the executor measures on the located element.
type ConditionType string

const (
	ConditionExists    ConditionType = "exists"
	ConditionNotExists ConditionType = "notExists"
	ConditionVisible   ConditionType = "visible"
	ConditionHidden    ConditionType = "hidden"
	ConditionText      ConditionType = "text"
	ConditionAttribute ConditionType = "attribute"
	ConditionValue     ConditionType = "value"
	ConditionCount     ConditionType = "count"
)

// ComparisonType selects how the measured value is compared against the expected one.
type ComparisonType string

const (
	CompareEquals      ComparisonType = "equals"
	CompareNotEquals   ComparisonType = "notEquals"
	CompareContains    ComparisonType = "contains"
	CompareNotContains ComparisonType = "notContains"
	CompareStartsWith  ComparisonType = "startsWith"
	CompareEndsWith    ComparisonType = "endsWith"
	CompareMatches     ComparisonType = "matches"
	CompareGreaterThan ComparisonType = "greaterThan"
	CompareLessThan    ComparisonType = "lessThan"
)

// Condition is the descriptor evaluated by the executor's testCondition action.
type Condition struct {
	Locator        Locator        `json:"locator"`
	ConditionType  ConditionType  `json:"conditionType"`
	ComparisonType ComparisonType `json:"comparisonType,omitempty"`
	ExpectedValue  string         `json:"expectedValue,omitempty"`
	AttributeName  string         `json:"attributeName,omitempty"`
}

// needsComparison reports whether the condition type measures a value.
func (c Condition) needsComparison() bool {
	switch c.ConditionType {
	case ConditionText, ConditionAttribute, ConditionValue, ConditionCount:
		return true
	}
	return false
}

// ElementState is the state a checkState step asserts.
type ElementState string

const (
	StateVisible   ElementState = "visible"
	StateHidden    ElementState = "hidden"
	StateEnabled   ElementState = "enabled"
	StateDisabled  ElementState = "disabled"
	StateChecked   ElementState = "checked"
	StateUnchecked ElementState = "unchecked"
	StateExists    ElementState = "exists"
)

// LoopErrorMode decides what happens when a loop child fails.
type LoopErrorMode string

const (
	// LoopContinue records the failure and moves on to the next child.
	LoopContinue LoopErrorMode = "continue"
	// LoopBreak abandons the loop but lets the run continue after it.
	LoopBreak LoopErrorMode = "break"
	// LoopStop fails the whole run.
	LoopStop LoopErrorMode = "stop"
)

// SwitchTarget selects which context a windowSwitch step activates.
type SwitchTarget string

const (
	SwitchMain     SwitchTarget = "main"
	SwitchPrevious SwitchTarget = "previous"
	SwitchLatest   SwitchTarget = "latest"
	SwitchIndex    SwitchTarget = "index"
	SwitchMatch    SwitchTarget = "match"
)

// -- Steps --

// Step is one node of an automation tree. The kind-specific fields live in Params,
// whose concrete type is fixed by Kind.
type Step struct {
	ID          string
	Kind        StepKind
	Name        string
	StopOnError bool
	// Timeout bounds remote calls made for this step. Zero means the coordinator default.
	Timeout time.Duration
	Params  StepParams
}

// StepParams is implemented by exactly one params struct per StepKind.
type StepParams interface {
	Kind() StepKind
	validate(path string) []error
}

// Label returns a human readable name for logs.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s(%s)", s.Kind, shortID(s.ID))
}

// Locator returns the primary locator of a step, if it has one.
func (s Step) Locator() (Locator, bool) {
	switch p := s.Params.(type) {
	case *ClickParams:
		return p.Locator, true
	case *InputParams:
		return p.Locator, true
	case *SmartWaitParams:
		return p.Locator, true
	case *CheckStateParams:
		return p.Locator, true
	case *ExtractParams:
		return p.Locator, true
	case *DragParams:
		return p.Locator, true
	case *ConditionParams:
		return p.Condition.Locator, true
	case *WindowOpenParams:
		if p.Locator != nil {
			return *p.Locator, true
		}
	}
	return Locator{}, false
}

type ClickParams struct {
	Locator Locator
}

type InputParams struct {
	Locator Locator
	Text    string
	Clear   bool
}

type WaitParams struct {
	Duration time.Duration
}

type SmartWaitParams struct {
	Locator     Locator
	VisibleOnly bool
}

// LoopParams repeats a child range. EndIndex is inclusive; nil means the last child.
type LoopParams struct {
	Steps         []Step
	Iterations    int
	StartIndex    int
	EndIndex      *int
	SkipIndices   []int
	ErrorHandling LoopErrorMode
}

// ConditionParams evaluates Condition and runs OnTrue or OnFalse when they are present.
type ConditionParams struct {
	Condition Condition
	OnTrue    []Step
	OnFalse   []Step
}

type CheckStateParams struct {
	Locator Locator
	State   ElementState
}

type ExtractParams struct {
	Locator   Locator
	Attribute string
	Variable  string
}

type DragParams struct {
	Locator Locator
	Target  Locator
}

// WindowOpenParams opens a new context by clicking Locator or, when it is nil, by asking the host to open URL.
type WindowOpenParams struct {
	Locator       *Locator
	URL           string
	CreateTimeout time.Duration
	ReadyTimeout  time.Duration
	SwitchTo      bool
}

type WindowCloseParams struct{}

type WindowSwitchParams struct {
	Target SwitchTarget
	Index  int
	Match  string
}

type WindowWaitParams struct {
	CreateTimeout time.Duration
	ReadyTimeout  time.Duration
	SwitchTo      bool
}

func (*ClickParams) Kind() StepKind        { return KindClick }
func (*InputParams) Kind() StepKind        { return KindInput }
func (*WaitParams) Kind() StepKind         { return KindWait }
func (*SmartWaitParams) Kind() StepKind    { return KindSmartWait }
func (*LoopParams) Kind() StepKind         { return KindLoop }
func (*ConditionParams) Kind() StepKind    { return KindCondition }
func (*CheckStateParams) Kind() StepKind   { return KindCheckState }
func (*ExtractParams) Kind() StepKind      { return KindExtract }
func (*DragParams) Kind() StepKind         { return KindDrag }
func (*WindowOpenParams) Kind() StepKind   { return KindWindowOpen }
func (*WindowCloseParams) Kind() StepKind  { return KindWindowClose }
func (*WindowSwitchParams) Kind() StepKind { return KindWindowSwitch }
func (*WindowWaitParams) Kind() StepKind   { return KindWindowWait }

// Selection returns the child indices a loop visits in one iteration, in order.
func (p *LoopParams) Selection() []int {
	n := len(p.Steps)
	if n == 0 {
		return nil
	}
	start := p.StartIndex
	if start < 0 {
		start = 0
	}
	end := n - 1
	if p.EndIndex != nil && *p.EndIndex < n {
		end = *p.EndIndex
	}
	skip := make(map[int]struct{}, len(p.SkipIndices))
	for _, i := range p.SkipIndices {
		skip[i] = struct{}{}
	}
	var out []int
	for i := start; i <= end; i++ {
		if _, ok := skip[i]; ok {
			continue
		}
		out = append(out, i)
	}
	return out
}

// -- Validation --

// ValidationError describes one problem found in a step tree.
type ValidationError struct {
	Path   string
	StepID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s (step %s): %s", e.Path, shortID(e.StepID), e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ValidateSteps checks an ordered step list and every nested child. It returns nil
// or an error joining every problem found; errors.Is(err, ErrValidation) holds for it.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return &ValidationError{Path: "steps", Reason: "sequence has no steps"}
	}
	seen := make(map[string]string)
	return errors.Join(validateList("steps", steps, seen)...)
}

// Validate checks a single step and its children.
func (s Step) Validate() error {
	return errors.Join(s.validate("step", make(map[string]string))...)
}

func validateList(path string, steps []Step, seen map[string]string) []error {
	var errs []error
	for i, st := range steps {
		errs = append(errs, st.validate(fmt.Sprintf("%s[%d]", path, i), seen)...)
	}
	return errs
}

func (s Step) validate(path string, seen map[string]string) []error {
	fail := func(format string, args ...any) error {
		return &ValidationError{Path: path, StepID: s.ID, Reason: fmt.Sprintf(format, args...)}
	}

	var errs []error
	if s.ID == "" {
		errs = append(errs, fail("missing id"))
	} else if prev, dup := seen[s.ID]; dup {
		errs = append(errs, fail("duplicate id, first used at %s", prev))
	} else {
		seen[s.ID] = path
	}
	if s.Timeout < 0 {
		errs = append(errs, fail("negative timeout"))
	}
	if s.Params == nil {
		return append(errs, fail("no parameters for kind %q", s.Kind))
	}
	if s.Params.Kind() != s.Kind {
		return append(errs, fail("kind %q carries %q parameters", s.Kind, s.Params.Kind()))
	}
	for _, e := range s.Params.validate(path) {
		var ve *ValidationError
		if errors.As(e, &ve) && ve.StepID == "" {
			ve.StepID = s.ID
		}
		errs = append(errs, e)
	}

	switch p := s.Params.(type) {
	case *LoopParams:
		errs = append(errs, validateList(path+".loopSteps", p.Steps, seen)...)
	case *ConditionParams:
		errs = append(errs, validateList(path+".trueSteps", p.OnTrue, seen)...)
		errs = append(errs, validateList(path+".falseSteps", p.OnFalse, seen)...)
	}
	return errs
}

// Validate checks a standalone locator.
func (l Locator) Validate() error {
	if errs := requireLocator("locator", l, "locator"); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func requireLocator(path string, l Locator, field string) []error {
	if l.IsZero() {
		return []error{&ValidationError{Path: path, Reason: field + " value is empty"}}
	}
	if l.Strategy != "" && !knownStrategies[l.Strategy] {
		return []error{&ValidationError{Path: path, Reason: fmt.Sprintf("%s strategy %q is not supported", field, l.Strategy)}}
	}
	return nil
}

func (p *ClickParams) validate(path string) []error {
	return requireLocator(path, p.Locator, "locator")
}

func (p *InputParams) validate(path string) []error {
	return requireLocator(path, p.Locator, "locator")
}

func (p *WaitParams) validate(path string) []error {
	if p.Duration < 0 {
		return []error{&ValidationError{Path: path, Reason: "wait duration is negative"}}
	}
	return nil
}

func (p *SmartWaitParams) validate(path string) []error {
	return requireLocator(path, p.Locator, "locator")
}

func (p *LoopParams) validate(path string) []error {
	var errs []error
	if len(p.Steps) == 0 {
		errs = append(errs, &ValidationError{Path: path, Reason: "loop has no child steps"})
	}
	if p.Iterations < 0 {
		errs = append(errs, &ValidationError{Path: path, Reason: "loop iterations is negative"})
	}
	if p.StartIndex < 0 {
		errs = append(errs, &ValidationError{Path: path, Reason: "loop startIndex is negative"})
	}
	if p.EndIndex != nil && *p.EndIndex < p.StartIndex {
		errs = append(errs, &ValidationError{Path: path, Reason: fmt.Sprintf("loop endIndex %d is before startIndex %d", *p.EndIndex, p.StartIndex)})
	}
	switch p.ErrorHandling {
	case "", LoopContinue, LoopBreak, LoopStop:
	default:
		errs = append(errs, &ValidationError{Path: path, Reason: fmt.Sprintf("unknown loop errorHandling %q", p.ErrorHandling)})
	}
	return errs
}

func (p *ConditionParams) validate(path string) []error {
	errs := requireLocator(path, p.Condition.Locator, "condition locator")
	if p.Condition.ConditionType == "" {
		errs = append(errs, &ValidationError{Path: path, Reason: "condition type is empty"})
	}
	if p.Condition.needsComparison() && p.Condition.ComparisonType == "" {
		errs = append(errs, &ValidationError{Path: path, Reason: fmt.Sprintf("condition %q needs a comparison type", p.Condition.ConditionType)})
	}
	if p.Condition.ConditionType == ConditionAttribute && p.Condition.AttributeName == "" {
		errs = append(errs, &ValidationError{Path: path, Reason: "attribute condition needs attributeName"})
	}
	return errs
}

func (p *CheckStateParams) validate(path string) []error {
	errs := requireLocator(path, p.Locator, "locator")
	if p.State == "" {
		errs = append(errs, &ValidationError{Path: path, Reason: "checkState needs a state"})
	}
	return errs
}

func (p *ExtractParams) validate(path string) []error {
	return requireLocator(path, p.Locator, "locator")
}

func (p *DragParams) validate(path string) []error {
	return append(requireLocator(path, p.Locator, "locator"), requireLocator(path, p.Target, "target locator")...)
}

func (p *WindowOpenParams) validate(path string) []error {
	var errs []error
	if p.Locator == nil && strings.TrimSpace(p.URL) == "" {
		errs = append(errs, &ValidationError{Path: path, Reason: "windowOpen needs a locator to click or a url"})
	}
	if p.Locator != nil {
		errs = append(errs, requireLocator(path, *p.Locator, "locator")...)
	}
	if p.CreateTimeout < 0 || p.ReadyTimeout < 0 {
		errs = append(errs, &ValidationError{Path: path, Reason: "window timeouts must not be negative"})
	}
	return errs
}

func (*WindowCloseParams) validate(string) []error { return nil }

func (p *WindowSwitchParams) validate(path string) []error {
	switch p.Target {
	case SwitchMain, SwitchPrevious, SwitchLatest:
	case SwitchIndex:
		if p.Index < 0 {
			return []error{&ValidationError{Path: path, Reason: "windowSwitch index is negative"}}
		}
	case SwitchMatch:
		if strings.TrimSpace(p.Match) == "" {
			return []error{&ValidationError{Path: path, Reason: "windowSwitch match text is empty"}}
		}
	default:
		return []error{&ValidationError{Path: path, Reason: fmt.Sprintf("unknown windowSwitch target %q", p.Target)}}
	}
	return nil
}

func (p *WindowWaitParams) validate(path string) []error {
	if p.CreateTimeout < 0 || p.ReadyTimeout < 0 {
		return []error{&ValidationError{Path: path, Reason: "window timeouts must not be negative"}}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
