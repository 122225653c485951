package expressions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rendis/imagechain/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `{
  "candidates": [{
    "content": {"parts": [
      {"text": "here you go"},
      {"inlineData": {"mimeType": "image/png", "data": "aGVsbG8="}}
    ]},
    "finishReason": "STOP"
  }]
}`

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestJQEngine_ExtractString(t *testing.T) {
	e := NewJQEngine()
	ctx := context.Background()
	doc := decode(t, sampleResponse)

	data, err := e.ExtractString(ctx, `first(.candidates[]?.content.parts[]? | (.inlineData // .inline_data) | select(. != null)) | .data`, doc)
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", data)

	finish, err := e.ExtractString(ctx, `.candidates[0].finishReason // empty`, doc)
	require.NoError(t, err)
	assert.Equal(t, "STOP", finish)

	block, err := e.ExtractString(ctx, `.promptFeedback.blockReason // empty`, doc)
	require.NoError(t, err)
	assert.Equal(t, "", block)
}

func TestJQEngine_Errors(t *testing.T) {
	e := NewJQEngine()
	ctx := context.Background()

	_, err := e.ExtractString(ctx, `.candidates | length`, decode(t, sampleResponse))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want string")

	err = e.Check(`.candidates[`)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(ctx, "", nil)
	require.Error(t, err)
}

func TestJQEngine_EvaluateMultipleOutputs(t *testing.T) {
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), `.items[]`, map[string]any{"items": []any{1.0, 2.0}})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)
}

func TestJQEngine_NoEnvAccess(t *testing.T) {
	t.Setenv("IMAGECHAIN_SECRET", "s3cr3t")
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV.IMAGECHAIN_SECRET`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
