package expressions

import "context"

// Engine evaluates expressions against a variable map.
// CEL decides backend eligibility, gojq reads provider responses and Expr
// renders prompt templates.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
