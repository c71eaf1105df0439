package models

import (
	"github.com/google/uuid"
)

// ScaleRequest asks for the scaled variants of an original image.
type ScaleRequest struct {
	ScaleRequestId uuid.UUID `json:"scaleRequestId"`

	// Path to original image file, relative to env
	// variable 'DIR_ORIGINALS_ROOT'
	FilePath string `json:"filePath"`

	// Optional overrides of the configured widths and quality
	Widths  []int    `json:"widths,omitempty"`
	Quality *float64 `json:"quality,omitempty"`
}

// VariantsDelRequest asks to remove every scaled variant of an
// original image, e.g. because the original was deleted.
type VariantsDelRequest struct {
	DelRequestId uuid.UUID `json:"delRequestId"`

	// Path to original image file, relative to env
	// variable 'DIR_ORIGINALS_ROOT'
	FilePath string `json:"filePath"`
}
