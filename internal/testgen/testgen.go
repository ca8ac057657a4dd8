// Package testgen generates ePub files and images with configurable
// metadata for exercising the library scanner.
package testgen

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// EPUBOptions configures the generated EPUB file.
type EPUBOptions struct {
	Title   string
	Authors []string
	// Identifier is the package's unique identifier. Empty means a fixed
	// urn:uuid value unless OmitIdentifier is set.
	Identifier     string
	OmitIdentifier bool
	Series         string
	SeriesNumber   *float64
	HasCover       bool
	CoverMimeType  string // "image/jpeg" or "image/png", defaults to "image/png"
	CoverData      []byte // overrides the generated cover when set
}

// TempLibraryDir creates a temporary library directory for a test.
func TempLibraryDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// WriteFile creates a file with the given content in the specified directory.
// Returns the full path to the created file.
func WriteFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
	return path
}

// MoveFile renames a file inside dir, creating the target directory.
func MoveFile(t *testing.T, dir, from, to string) {
	t.Helper()
	target := filepath.Join(dir, to)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", target, err)
	}
	if err := os.Rename(filepath.Join(dir, from), target); err != nil {
		t.Fatalf("failed to move %s to %s: %v", from, to, err)
	}
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TranslucentPNG encodes a width×height RGBA PNG whose pixels are partly
// transparent, for exercising alpha flattening.
func TranslucentPNG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x % 256),
				G: uint8(y % 256),
				B: 180,
				A: uint8(64 + (x+y)%192),
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

// FloatPtr is a helper to create a pointer to a float64.
func FloatPtr(f float64) *float64 {
	return &f
}
