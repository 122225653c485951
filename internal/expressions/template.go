package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/imagechain/pkg/schema"
)

// PromptScope holds the variables visible to ${{ ... }} prompt expressions.
type PromptScope struct {
	RunID string

	ImageID        string
	ImageName      string
	ImageMediaType string
	ImageIndex     int // 0-based
	ImageTotal     int

	StepID    string
	StepName  string
	StepIndex int // 0-based
	StepTotal int
}

func (s *PromptScope) env() map[string]any {
	return map[string]any{
		"run": map[string]any{"id": s.RunID},
		"image": map[string]any{
			"id":         s.ImageID,
			"name":       s.ImageName,
			"media_type": s.ImageMediaType,
			"index":      s.ImageIndex,
			"total":      s.ImageTotal,
		},
		"step": map[string]any{
			"id":    s.StepID,
			"name":  s.StepName,
			"index": s.StepIndex,
			"total": s.StepTotal,
		},
	}
}

// PromptRenderer expands ${{ expr }} tokens in step prompts.
type PromptRenderer struct {
	engine *ExprEngine
}

// NewPromptRenderer creates a renderer backed by the given Expr engine.
func NewPromptRenderer(engine *ExprEngine) *PromptRenderer {
	if engine == nil {
		engine = NewExprEngine()
	}
	return &PromptRenderer{engine: engine}
}

// Render returns prompt with every ${{ expr }} replaced by its value.
// Prompts without tokens are returned unchanged.
func (r *PromptRenderer) Render(ctx context.Context, prompt string, scope *PromptScope) (string, error) {
	if !strings.Contains(prompt, "${{") {
		return prompt, nil
	}

	env := scope.env()

	var out strings.Builder
	out.Grow(len(prompt))

	rest := prompt
	for {
		idx := strings.Index(rest, "${{")
		if idx == -1 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:idx])
		body := rest[idx+3:]

		end := strings.Index(body, "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeExpression, "unclosed ${{ in prompt")
		}
		expression := strings.TrimSpace(body[:end])
		if expression == "" {
			return "", schema.NewError(schema.ErrCodeExpression, "empty ${{ }} in prompt")
		}
		if strings.Contains(expression, "${{") {
			return "", schema.NewError(schema.ErrCodeExpression, "nested ${{ in prompt")
		}

		val, err := r.engine.Evaluate(ctx, expression, env)
		if err != nil {
			return "", err
		}
		if val != nil {
			out.WriteString(fmt.Sprint(val))
		}
		rest = body[end+2:]
	}
	return out.String(), nil
}
