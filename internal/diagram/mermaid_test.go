package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/imagechain/internal/validation"
	"github.com/rendis/imagechain/pkg/schema"
)

func TestRenderMermaidChain(t *testing.T) {
	model, err := Build(studioGraph(), validation.Options{}, nil)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% Studio")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `relight(["Relight"])`)
	assert.Contains(t, out, `cutout["Cutout"]`)
	assert.Contains(t, out, "__start__ --> cutout")
	assert.Contains(t, out, "cutout --> relight")
	assert.Contains(t, out, "upscale --> __end__")
	assert.NotContains(t, out, "class cutout")
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	records := []*schema.ExecutionRecord{
		record("cutout", schema.OutcomeSuccess, "primary", 10),
		{StepID: "relight", Outcome: schema.OutcomeFailure},
	}
	model, err := Build(studioGraph(), validation.Options{}, records)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, `cutout["Cutout: 1 ok, 0 failed"]`)
	assert.Contains(t, out, "class cutout completed")
	assert.Contains(t, out, "class relight failed")
	assert.Contains(t, out, "class upscale pending")
	assert.Contains(t, out, `upscale["upscale"]`)
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "color_fix_v2", mermaidSafeID("color-fix.v2"))
	assert.Equal(t, "two_words", mermaidSafeID("two words"))
}
