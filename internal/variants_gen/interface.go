package variantsgen

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Prefix of every variant file name. A variant of 'photo.jpg' at
// 400px is named 'scaled_400_photo.jpg'.
const VariantPrefix = "scaled_"

var defaultWidths = [...]int{100, 200, 400, 600, 800, 1000, 1300, 1600, 1920}

// DefaultWidths returns the widths used when a request has none.
func DefaultWidths() []int {
	widths := defaultWidths
	return widths[:]
}

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrInvalidWidth      = errors.New("target width must be a positive integer")
	ErrInvalidQuality    = errors.New("compression quality must be within [0, 1]")
)

// UnsupportedFormatError is returned when the source file extension
// is not in the allowed set. It matches ErrUnsupportedFormat.
type UnsupportedFormatError struct {
	Ext string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("%q can not be scaled: %v", e.Ext, ErrUnsupportedFormat)
}

func (e *UnsupportedFormatError) Is(target error) bool {
	return target == ErrUnsupportedFormat
}

// Request describes one compression run over a single source file.
type Request struct {

	// Directory containing the original file. Variants are written
	// next to it.
	Dir string

	// Name of the original file inside Dir
	Filename string

	// Target widths in pixels, processed in order. Nil means
	// DefaultWidths().
	Widths []int

	// Compression quality in [0,1]. Nil keeps the codec default for
	// the source format.
	Quality *float64
}

// ScaledImage describes a variant written to disk.
type ScaledImage struct {
	Dir      string `json:"dir"`
	Name     string `json:"name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Size     int64  `json:"size"`
	MIMEType string `json:"mimeType,omitempty"`
}

// Path returns the absolute or relative path of the variant file,
// depending on how the request directory was given.
func (s ScaledImage) Path() string {
	return filepath.Join(s.Dir, s.Name)
}

// VariantsGenerator produces the scaled variants of a source image.
type VariantsGenerator interface {

	// Validate reports the error Compress would fail with before
	// doing any work, without touching the filesystem.
	Validate(req Request) error

	Compress(ctx context.Context, req Request) ([]ScaledImage, error)
}

// VariantFileName returns the name of the variant of originalName at
// given width.
func VariantFileName(width int, originalName string) string {
	return VariantPrefix + strconv.Itoa(width) + "_" + originalName
}

// VariantsGlob returns a filepath.Glob pattern matching every
// variant of originalName inside dir.
func VariantsGlob(dir string, originalName string) string {
	return filepath.Join(
		dir,
		VariantPrefix+"*_"+escapeGlob(originalName),
	)
}

// IsVariantOf reports whether fileName is the name of a variant of
// originalName, i.e. 'scaled_<digits>_<originalName>'.
func IsVariantOf(fileName string, originalName string) bool {
	rest, ok := strings.CutPrefix(fileName, VariantPrefix)
	if !ok {
		return false
	}

	digits, name, ok := strings.Cut(rest, "_")
	if !ok || name != originalName || digits == "" {
		return false
	}

	_, err := strconv.Atoi(digits)
	return err == nil && digits[0] != '-' && digits[0] != '+'
}

func escapeGlob(name string) string {
	escaped := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '*', '?', '[', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, r)
	}

	return string(escaped)
}

func (r Request) validate() error {
	for _, w := range r.Widths {
		if w <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidWidth, w)
		}
	}

	if r.Quality != nil && (*r.Quality < 0 || *r.Quality > 1) {
		return fmt.Errorf("%w: %v", ErrInvalidQuality, *r.Quality)
	}

	return nil
}
