package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

func newValidateCmd() *cobra.Command {
	var quiet bool

	validateCmd := &cobra.Command{
		Use:   "validate <sequence.json>",
		Short: "Check a sequence file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateSequence(cmd.OutOrStdout(), args[0], quiet)
		},
	}
	validateCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only report problems")
	return validateCmd
}

// validateSequence decodes the file keeping its step ids, so problems point at
// the ids stored in the file, and prints an outline of the steps.
func validateSequence(w io.Writer, path string, quiet bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open sequence: %w", err)
	}
	defer f.Close()

	seq, err := schemas.Decode(f)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := schemas.ValidateSteps(seq.Steps); err != nil {
		var problems []string
		for _, e := range unjoin(err) {
			problems = append(problems, "  "+e.Error())
		}
		fmt.Fprintf(w, "%s: %d problem(s)\n%s\n", path, len(problems), strings.Join(problems, "\n"))
		return fmt.Errorf("sequence %s is invalid: %w", path, err)
	}

	if !quiet {
		fmt.Fprintf(w, "%s: version %s, %d top-level steps\n", path, seq.Version, len(seq.Steps))
		writeOutline(w, seq.Steps, "steps", 1)
	}
	fmt.Fprintf(w, "%s is valid\n", path)
	return nil
}

// unjoin flattens an errors.Join result.
func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range j.Unwrap() {
			out = append(out, unjoin(e)...)
		}
		return out
	}
	return []error{err}
}

func writeOutline(w io.Writer, steps []schemas.Step, path string, depth int) {
	indent := strings.Repeat("  ", depth)
	for i, st := range steps {
		p := fmt.Sprintf("%s[%d]", path, i)
		fmt.Fprintf(w, "%s%s %s\n", indent, p, describeStep(st))
		switch params := st.Params.(type) {
		case *schemas.LoopParams:
			writeOutline(w, params.Steps, p+".loopSteps", depth+1)
		case *schemas.ConditionParams:
			writeOutline(w, params.OnTrue, p+".trueSteps", depth+1)
			writeOutline(w, params.OnFalse, p+".falseSteps", depth+1)
		}
	}
}

// describeStep renders one outline line.
func describeStep(st schemas.Step) string {
	var b strings.Builder
	b.WriteString(string(st.Kind))
	if st.Name != "" {
		fmt.Fprintf(&b, " %q", st.Name)
	}

	switch p := st.Params.(type) {
	case *schemas.InputParams:
		fmt.Fprintf(&b, " %s text=%q", p.Locator, p.Text)
		if p.Clear {
			b.WriteString(" clear")
		}
	case *schemas.WaitParams:
		fmt.Fprintf(&b, " %s", p.Duration)
	case *schemas.LoopParams:
		fmt.Fprintf(&b, " children=%d iterations=%d", len(p.Steps), max(p.Iterations, 1))
		if p.ErrorHandling != "" {
			fmt.Fprintf(&b, " on-error=%s", p.ErrorHandling)
		}
	case *schemas.ConditionParams:
		fmt.Fprintf(&b, " %s %s", p.Condition.ConditionType, p.Condition.Locator)
		if p.Condition.ComparisonType != "" {
			fmt.Fprintf(&b, " %s %q", p.Condition.ComparisonType, p.Condition.ExpectedValue)
		}
	case *schemas.CheckStateParams:
		fmt.Fprintf(&b, " %s is %s", p.Locator, p.State)
	case *schemas.ExtractParams:
		fmt.Fprintf(&b, " %s", p.Locator)
		if p.Variable != "" {
			fmt.Fprintf(&b, " -> %s", p.Variable)
		}
	case *schemas.DragParams:
		fmt.Fprintf(&b, " %s -> %s", p.Locator, p.Target)
	case *schemas.WindowOpenParams:
		if p.Locator != nil {
			fmt.Fprintf(&b, " via %s", *p.Locator)
		} else {
			fmt.Fprintf(&b, " %s", p.URL)
		}
		if p.SwitchTo {
			b.WriteString(" switch")
		}
	case *schemas.WindowSwitchParams:
		fmt.Fprintf(&b, " %s", p.Target)
		switch p.Target {
		case schemas.SwitchIndex:
			fmt.Fprintf(&b, " %d", p.Index)
		case schemas.SwitchMatch:
			fmt.Fprintf(&b, " %q", p.Match)
		}
	default:
		if loc, ok := st.Locator(); ok {
			fmt.Fprintf(&b, " %s", loc)
		}
	}
	if st.StopOnError {
		b.WriteString(" [stop-on-error]")
	}
	return b.String()
}
