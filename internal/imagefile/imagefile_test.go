package imagefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/imagechain/pkg/schema"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cat.JPEG", "jpegdata")

	img, err := Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, img.ID)
	assert.Equal(t, "cat.JPEG", img.Name)
	assert.Equal(t, "image/jpeg", img.MediaType)
	assert.Equal(t, []byte("jpegdata"), img.Data)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	empty := writeFile(t, dir, "empty.png", "")

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "nope.png")},
		{"directory", dir},
		{"empty", empty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestLoadAll_KeepsOrder(t *testing.T) {
	dir := t.TempDir()
	b := writeFile(t, dir, "b.png", "B")
	a := writeFile(t, dir, "a.png", "A")

	images, err := LoadAll([]string{b, a})
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "b.png", images[0].Name)
	assert.Equal(t, "a.png", images[1].Name)
	assert.NotEqual(t, images[0].ID, images[1].ID)
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.webp", "B")
	writeFile(t, dir, "a.png", "A")
	writeFile(t, dir, "notes.txt", "x")
	writeFile(t, dir, ".hidden.png", "x")
	require.NoError(t, os.Mkdir(filepath.Join(dir, ProcessedDir), 0o755))
	writeFile(t, filepath.Join(dir, ProcessedDir), "old.png", "x")

	paths, err := Scan(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.webp")}, paths)

	_, err = Scan(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		name string
		out  schema.Output
		want string
	}{
		{"same type", schema.Output{Name: "a.png", MediaType: "image/png"}, "a.png"},
		{"swapped type", schema.Output{Name: "a.png", MediaType: "image/jpeg"}, "a.jpg"},
		{"jpeg alias kept", schema.Output{Name: "a.jpeg", MediaType: "image/jpeg"}, "a.jpeg"},
		{"no extension", schema.Output{Name: "photo", MediaType: "image/webp"}, "photo.webp"},
		{"unknown type", schema.Output{Name: "a.png", MediaType: "application/x-unknown-thing"}, "a.png"},
		{"path stripped", schema.Output{Name: "sub/dir/a.png", MediaType: "image/png"}, "a.png"},
		{"no name", schema.Output{ImageID: "img-1", MediaType: "image/png"}, "img-1.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OutputName(tt.out))
		})
	}
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")

	path, err := Write(dir, schema.Output{Name: "a.png", MediaType: "image/jpeg", Data: []byte("J")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("J"), data)
}

func TestWrite_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()

	first, err := Write(dir, schema.Output{Name: "cat.jpg", MediaType: "image/png", Data: []byte("first")})
	require.NoError(t, err)
	second, err := Write(dir, schema.Output{Name: "cat.png", MediaType: "image/png", Data: []byte("second")})
	require.NoError(t, err)
	third, err := Write(dir, schema.Output{Name: "other/cat.png", MediaType: "image/png", Data: []byte("third")})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "cat.png"), first)
	assert.Equal(t, filepath.Join(dir, "cat-2.png"), second)
	assert.Equal(t, filepath.Join(dir, "cat-3.png"), third)

	for path, want := range map[string]string{first: "first", second: "second", third: "third"} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestMoveProcessed(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "a.png", "A")

	dst, err := MoveProcessed(src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ProcessedDir, "a.png"), dst)
	assert.NoFileExists(t, src)
	assert.FileExists(t, dst)
}

func TestMediaTypeOf_SniffsUnknownExtensions(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	assert.Equal(t, "image/png", MediaTypeOf("blob.bin", png))
}

func TestMoveProcessed_KeepsEarlierInput(t *testing.T) {
	dir := t.TempDir()

	first, err := MoveProcessed(writeFile(t, dir, "a.png", "monday"))
	require.NoError(t, err)
	second, err := MoveProcessed(writeFile(t, dir, "a.png", "tuesday"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, ProcessedDir, "a.png"), first)
	assert.Equal(t, filepath.Join(dir, ProcessedDir, "a-2.png"), second)
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "monday", string(data))
}
