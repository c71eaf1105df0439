package imaging

import (
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// NormalizeExt lower-cases an extension and strips its leading dot.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// ExtOf returns the normalized extension of a file name.
func ExtOf(fileName string) string {
	return NormalizeExt(filepath.Ext(fileName))
}

// MIMEType returns the MIME type registered for an extension or an
// empty string when unknown.
func MIMEType(ext string) string {
	kind := filetype.GetType(canonicalFormat(ext))
	if kind == filetype.Unknown {
		return ""
	}

	return kind.MIME.Value
}

// SameFormat reports whether two extensions name the same container
// format, e.g. "jpg" and "JPEG".
func SameFormat(a, b string) bool {
	return canonicalFormat(a) == canonicalFormat(b)
}

func canonicalFormat(ext string) string {
	switch ext = NormalizeExt(ext); ext {
	case "jpeg":
		return "jpg"
	case "tiff":
		return "tif"
	default:
		return ext
	}
}
