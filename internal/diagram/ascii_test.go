package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/imagechain/internal/validation"
	"github.com/rendis/imagechain/pkg/schema"
)

func TestRenderASCIIChain(t *testing.T) {
	model, err := Build(studioGraph(), validation.Options{}, nil)
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "=== Studio ===")
	for _, s := range []string{"┌", "┐", "└", "┘", "│", "─", "▼"} {
		assert.Contains(t, out, s)
	}
	assert.Less(t, strings.Index(out, "Start"), strings.Index(out, "Cutout"))
	assert.Less(t, strings.Index(out, "Cutout"), strings.Index(out, "Relight"))
	assert.Less(t, strings.Index(out, "Relight"), strings.Index(out, "End"))
}

func TestRenderASCIIWithStatus(t *testing.T) {
	records := []*schema.ExecutionRecord{
		record("cutout", schema.OutcomeSuccess, "primary", 120),
		{StepID: "relight", Outcome: schema.OutcomeFailure, Backend: "fallback"},
	}
	model, err := Build(studioGraph(), validation.Options{}, records)
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "[PEND]")
	assert.Contains(t, out, "1 ok / 0 failed")
	assert.Contains(t, out, "120ms")
	assert.Contains(t, out, "fallback")
}

func TestRenderASCIIBranchesSideBySide(t *testing.T) {
	model, err := Build(fanOutGraph(), validation.Options{AllowBranching: true}, nil)
	require.NoError(t, err)

	for _, line := range strings.Split(RenderASCII(model), "\n") {
		if strings.Contains(line, "left") {
			assert.Contains(t, line, "right")
			return
		}
	}
	t.Fatal("branch row not found")
}

func TestMakeBoxPadsLines(t *testing.T) {
	box := makeBox(&Node{ID: "a", Label: "cutout", Status: &StatusOverlay{Status: StatusCompleted, Succeeded: 12}})
	require.Len(t, box.lines, 5)
	width := len([]rune(box.lines[0]))
	for _, l := range box.lines {
		assert.Equal(t, width, len([]rune(l)))
	}
}
