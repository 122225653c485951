package diagram

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/imagechain/internal/validation"
	"github.com/rendis/imagechain/pkg/schema"
)

func TestRenderImagePNG(t *testing.T) {
	model, err := Build(studioGraph(), validation.Options{}, nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestRenderImageSVGWithStatus(t *testing.T) {
	records := []*schema.ExecutionRecord{record("cutout", schema.OutcomeSuccess, "primary", 10)}
	model, err := Build(studioGraph(), validation.Options{}, records)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(svg, []byte("<svg")))
	assert.True(t, bytes.Contains(svg, []byte("#2d6a2d")))
}

func TestRenderImageUnknownFormat(t *testing.T) {
	model, err := Build(studioGraph(), validation.Options{}, nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), model, "gif")
	assert.Error(t, err)
}
