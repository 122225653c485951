// Package imagefile loads input images from disk and writes finished
// outputs back, naming each output after its originating image.
package imagefile

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rendis/imagechain/pkg/schema"
)

// DefaultMaxSize caps a single input image.
const DefaultMaxSize = 20 * 1024 * 1024 // 20MB

// ProcessedDir is the subdirectory inputs are moved to once handled.
const ProcessedDir = "processed"

// extensions maps the media types the engine exchanges with backends to
// the extension written for them. Lookups by extension go the other way.
var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/heic": ".heic",
	"image/heif": ".heif",
}

var mediaTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
	".heic": "image/heic",
	".heif": "image/heif",
}

// Supported reports whether path has an image extension the loader accepts.
func Supported(path string) bool {
	_, ok := mediaTypes[strings.ToLower(filepath.Ext(path))]
	return ok
}

// MediaTypeOf guesses the media type of an image from its extension,
// falling back to content sniffing.
func MediaTypeOf(path string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := mediaTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); strings.HasPrefix(mt, "image/") {
		mt, _, _ = strings.Cut(mt, ";")
		return mt
	}
	return http.DetectContentType(data)
}

// ExtensionFor returns the file extension for mediaType, or "" if unknown.
func ExtensionFor(mediaType string) string {
	if ext, ok := extensions[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// Load reads one image file. The image ID is freshly generated; the name
// is the file's base name.
func Load(path string) (schema.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return schema.Image{}, schema.NewErrorf(schema.ErrCodeValidation, "image %q: %v", path, err).WithCause(err)
	}
	if info.IsDir() {
		return schema.Image{}, schema.NewErrorf(schema.ErrCodeValidation, "image %q is a directory", path)
	}
	if info.Size() > DefaultMaxSize {
		return schema.Image{}, schema.NewErrorf(schema.ErrCodeValidation,
			"image %q is %d bytes, exceeds max %d", path, info.Size(), DefaultMaxSize)
	}
	if info.Size() == 0 {
		return schema.Image{}, schema.NewErrorf(schema.ErrCodeValidation, "image %q is empty", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return schema.Image{}, schema.NewErrorf(schema.ErrCodeValidation, "read image %q: %v", path, err).WithCause(err)
	}
	return schema.Image{
		ID:        uuid.NewString(),
		Name:      filepath.Base(path),
		MediaType: MediaTypeOf(path, data),
		Data:      data,
	}, nil
}

// LoadAll loads paths in order, stopping at the first failure.
func LoadAll(paths []string) ([]schema.Image, error) {
	images := make([]schema.Image, 0, len(paths))
	for _, p := range paths {
		img, err := Load(p)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// Scan lists the supported image files directly inside dir, sorted by name.
// Subdirectories, including the processed directory, are not descended.
func Scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") || !Supported(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	slices.Sort(paths)
	return paths, nil
}

// OutputName is the file name for out: the original name with its
// extension swapped for the output media type.
func OutputName(out schema.Output) string {
	name := filepath.Base(out.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = out.ImageID
	}
	ext := ExtensionFor(out.MediaType)
	if ext == "" {
		return name
	}
	old := filepath.Ext(name)
	if strings.EqualFold(old, ext) || (ext == ".jpg" && strings.EqualFold(old, ".jpeg")) {
		return name
	}
	return strings.TrimSuffix(name, old) + ext
}

// maxNameAttempts bounds the "-<n>" suffixes tried for a free file name.
const maxNameAttempts = 1000

// Write stores out in dir, creating dir if needed, and returns the path.
// An existing file is never replaced: when OutputName is taken the output
// goes to the first free "name-<n>.ext".
func Write(dir string, out schema.Output) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	name := OutputName(out)
	for n := 1; n <= maxNameAttempts; n++ {
		path := filepath.Join(dir, numbered(name, n))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("write output %q: %w", path, err)
		}
		_, werr := f.Write(out.Data)
		if err := multierr.Combine(werr, f.Close()); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("write output %q: %w", path, err)
		}
		return path, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeConflict, "no free output name for %q in %s", name, dir)
}

// MoveProcessed moves path into the processed directory next to it and
// returns the new path. An earlier input with the same name is kept; the
// later one gets a "-<n>" suffix.
func MoveProcessed(path string) (string, error) {
	dir := filepath.Join(filepath.Dir(path), ProcessedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create processed dir: %w", err)
	}
	name := filepath.Base(path)
	for n := 1; n <= maxNameAttempts; n++ {
		dst := filepath.Join(dir, numbered(name, n))
		if _, err := os.Lstat(dst); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("move %q: %w", path, err)
		}
		if err := os.Rename(path, dst); err != nil {
			return "", fmt.Errorf("move %q: %w", path, err)
		}
		return dst, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeConflict, "no free name for %q in %s", name, dir)
}

// numbered returns name for n == 1 and "base-<n>.ext" after that.
func numbered(name string, n int) string {
	if n == 1 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}
