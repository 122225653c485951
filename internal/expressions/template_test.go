package expressions

import (
	"context"
	"testing"

	"github.com/rendis/imagechain/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptRenderer_Render(t *testing.T) {
	r := NewPromptRenderer(nil)
	ctx := context.Background()
	scope := &PromptScope{
		RunID:      "run-1",
		ImageName:  "cat.png",
		ImageIndex: 0,
		ImageTotal: 2,
		StepName:   "Vintage",
		StepIndex:  1,
		StepTotal:  3,
	}

	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"plain prompt untouched", "make it blue", "make it blue"},
		{"field", "restyle ${{ image.name }} as a painting", "restyle cat.png as a painting"},
		{"arithmetic", "pass ${{ step.index + 1 }} of ${{step.total}}", "pass 2 of 3"},
		{"builtin", "${{ upper(step.name) }} look", "VINTAGE look"},
		{"undefined yields empty", "x${{ nothing }}y", "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(ctx, tt.prompt, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPromptRenderer_Errors(t *testing.T) {
	r := NewPromptRenderer(NewExprEngine())
	ctx := context.Background()

	for _, prompt := range []string{"broken ${{ image.name", "empty ${{   }}", "bad ${{ image.name + }}"} {
		_, err := r.Render(ctx, prompt, &PromptScope{})
		require.Error(t, err, prompt)
		assert.True(t, schema.IsCode(err, schema.ErrCodeExpression), prompt)
	}
}
