package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

func TestValidateSequence(t *testing.T) {
	t.Run("should print an outline of a valid sequence", func(t *testing.T) {
		loop := schemas.Step{ID: "loop", Kind: schemas.KindLoop, Params: &schemas.LoopParams{
			Steps:         []schemas.Step{click("row", ".row button")},
			Iterations:    3,
			ErrorHandling: schemas.LoopBreak,
		}}
		wait := schemas.Step{ID: "pause", Kind: schemas.KindWait, Params: &schemas.WaitParams{Duration: 250 * time.Millisecond}}
		path := writeSequence(t, click("start", "#start"), loop, wait)

		var out bytes.Buffer
		require.NoError(t, validateSequence(&out, path, false))

		text := out.String()
		assert.Contains(t, text, "3 top-level steps")
		assert.Contains(t, text, "steps[0] click css=#start")
		assert.Contains(t, text, "steps[1] loop children=1 iterations=3 on-error=break")
		assert.Contains(t, text, "    steps[1].loopSteps[0] click css=.row button")
		assert.Contains(t, text, "steps[2] wait 250ms")
		assert.Contains(t, text, "is valid")
	})

	t.Run("should list every problem", func(t *testing.T) {
		path := writeSequence(t, click("a", " "), click("b", ""))

		var out bytes.Buffer
		err := validateSequence(&out, path, true)
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrValidation)
		assert.Contains(t, out.String(), "2 problem(s)")
		assert.Contains(t, out.String(), "steps[0]")
		assert.Contains(t, out.String(), "steps[1]")
	})

	t.Run("should reject a malformed document", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"steps": [`), 0o644))

		err := validateSequence(new(bytes.Buffer), path, false)
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrValidation)
	})

	t.Run("should report a missing file", func(t *testing.T) {
		err := validateSequence(new(bytes.Buffer), filepath.Join(t.TempDir(), "nope.json"), false)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestDescribeStep(t *testing.T) {
	link := css("a.popup")
	tests := []struct {
		name string
		step schemas.Step
		want string
	}{
		{"input", schemas.Step{Kind: schemas.KindInput, Params: &schemas.InputParams{Locator: css("#q"), Text: "shoes", Clear: true}}, `input css=#q text="shoes" clear`},
		{"window open by click", schemas.Step{Kind: schemas.KindWindowOpen, Params: &schemas.WindowOpenParams{Locator: &link, SwitchTo: true}}, "windowOpen via css=a.popup switch"},
		{"window switch by index", schemas.Step{Kind: schemas.KindWindowSwitch, Params: &schemas.WindowSwitchParams{Target: schemas.SwitchIndex, Index: 2}}, "windowSwitch index 2"},
		{"named drag", schemas.Step{Kind: schemas.KindDrag, Name: "move card", StopOnError: true, Params: &schemas.DragParams{Locator: css("#card"), Target: css("#done")}}, `drag "move card" css=#card -> css=#done [stop-on-error]`},
		{"click", click("x", "#go"), "click css=#go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeStep(tt.step))
		})
	}
}
