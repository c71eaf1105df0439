package imaging

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/draw"
)

// DefaultInterpolator is used when no interpolation is configured.
var DefaultInterpolator draw.Interpolator = draw.ApproxBiLinear

// ParseInterpolator maps a config value to an x/image/draw
// interpolator. Empty string selects DefaultInterpolator.
func ParseInterpolator(name string) (draw.Interpolator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return DefaultInterpolator, nil
	case "nearest", "nearest-neighbor":
		return draw.NearestNeighbor, nil
	case "approx-bilinear":
		return draw.ApproxBiLinear, nil
	case "bilinear":
		return draw.BiLinear, nil
	case "catmull-rom":
		return draw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown interpolation: %q", name)
	}
}

// Scale draws src into a new raster of exactly width x height px.
//
// The output keeps the pixel format of src when an equivalent
// drawable format exists, otherwise an opaque RGBA raster is used.
// Sources with an alpha channel are drawn with draw.Src, so
// transparent areas stay transparent in the output.
func Scale(
	src image.Image,
	width int,
	height int,
	interp draw.Interpolator,
) image.Image {
	if interp == nil {
		interp = DefaultInterpolator
	}

	dst := newRasterLike(src, image.Rect(0, 0, width, height))
	op := draw.Over
	if HasAlpha(src) {
		op = draw.Src
	}

	interp.Scale(dst, dst.Bounds(), src, src.Bounds(), op, nil)
	return dst
}

// HasAlpha reports whether the pixel format of img carries an alpha
// channel.
func HasAlpha(img image.Image) bool {
	switch src := img.(type) {
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64,
		*image.Alpha, *image.Alpha16, *image.NYCbCrA:
		return true
	case *image.Paletted:
		for _, c := range src.Palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func newRasterLike(src image.Image, r image.Rectangle) draw.Image {
	switch src := src.(type) {
	case *image.RGBA:
		return image.NewRGBA(r)
	case *image.NRGBA:
		return image.NewNRGBA(r)
	case *image.RGBA64:
		return image.NewRGBA64(r)
	case *image.NRGBA64:
		return image.NewNRGBA64(r)
	case *image.Gray:
		return image.NewGray(r)
	case *image.Gray16:
		return image.NewGray16(r)
	case *image.Alpha:
		return image.NewAlpha(r)
	case *image.Alpha16:
		return image.NewAlpha16(r)
	case *image.NYCbCrA:
		return image.NewNRGBA(r)
	case *image.Paletted:
		palette := make(color.Palette, len(src.Palette))
		copy(palette, src.Palette)
		return image.NewPaletted(r, palette)
	default:
		// YCbCr, CMYK and unknown formats
		return image.NewRGBA(r)
	}
}
