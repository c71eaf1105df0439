package imaging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
)

// EXIFSummary is a human oriented digest of the EXIF block of an
// image, used for logging only. Re-encoded variants get the raw
// block through Metadata, never through this struct.
type EXIFSummary struct {
	CameraMake  string
	CameraModel string
	DateTaken   time.Time
}

// InspectEXIF reads the EXIF block of an image. Images without EXIF
// data return an error.
func InspectEXIF(r io.ReadSeeker) (*EXIFSummary, error) {
	exifData, err := imagemeta.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	summary := &EXIFSummary{
		CameraMake:  strings.TrimSpace(exifData.Make),
		CameraModel: strings.TrimSpace(exifData.Model),
	}

	// Priority: DateTimeOriginal > CreateDate > ModifyDate
	switch {
	case !exifData.DateTimeOriginal().IsZero():
		summary.DateTaken = exifData.DateTimeOriginal()
	case !exifData.CreateDate().IsZero():
		summary.DateTaken = exifData.CreateDate()
	case !exifData.ModifyDate().IsZero():
		summary.DateTaken = exifData.ModifyDate()
	}

	return summary, nil
}
