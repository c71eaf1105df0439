package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// NativeCodec decodes and encodes with the go standard image
// packages plus golang.org/x/image, and scales with x/image/draw.
type NativeCodec struct {
	interp draw.Interpolator
}

type nativePicture struct {
	img image.Image
	md  *Metadata
}

func (p *nativePicture) Width() int          { return p.img.Bounds().Dx() }
func (p *nativePicture) Height() int         { return p.img.Bounds().Dy() }
func (p *nativePicture) HasAlpha() bool      { return HasAlpha(p.img) }
func (p *nativePicture) Metadata() *Metadata { return p.md }
func (p *nativePicture) Close()              {}

// Image exposes the decoded raster.
func (p *nativePicture) Image() image.Image { return p.img }

func NewNativeCodec(interp draw.Interpolator) *NativeCodec {
	if interp == nil {
		interp = DefaultInterpolator
	}

	return &NativeCodec{interp: interp}
}

func (c *NativeCodec) Name() string {
	return EngineNative
}

func (c *NativeCodec) Extensions() []string {
	return []string{"jpg", "jpeg", "png", "gif", "bmp", "tif", "tiff"}
}

func (c *NativeCodec) Decode(r io.Reader, ext string) (Picture, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read encoded image: %w", err)
	}

	md, err := ReadMetadata(ext, buf)
	if err != nil {
		slog.Warn(
			"Unable to read image metadata, continuing without it",
			"format", ext,
			"error", err,
		)
		md = &Metadata{format: canonicalFormat(ext)}
	}

	var img image.Image
	src := bytes.NewReader(buf)
	switch canonicalFormat(ext) {
	case "jpg":
		img, err = jpeg.Decode(src)
	case "png":
		img, err = png.Decode(src)
	case "gif":
		// First frame only, animations are not supported
		img, err = gif.Decode(src)
	case "bmp":
		img, err = bmp.Decode(src)
	case "tif":
		img, err = tiff.Decode(src)
	default:
		return nil, fmt.Errorf("native codec cannot decode %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s image: %w", ext, err)
	}

	return &nativePicture{img: img, md: md}, nil
}

func (c *NativeCodec) Scale(src Picture, width, height int) (Picture, error) {
	pic, ok := src.(*nativePicture)
	if !ok {
		return nil, fmt.Errorf("native codec cannot scale a %T", src)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf(
			"invalid target dimensions: width=%d, height=%d",
			width,
			height,
		)
	}

	return &nativePicture{img: Scale(pic.img, width, height, c.interp)}, nil
}

func (c *NativeCodec) Encode(
	w io.Writer,
	pic Picture,
	ext string,
	opts EncodeOptions,
) error {
	np, ok := pic.(*nativePicture)
	if !ok {
		return fmt.Errorf("native codec cannot encode a %T", pic)
	}

	var buf bytes.Buffer
	var err error
	switch canonicalFormat(ext) {
	case "jpg":
		err = jpeg.Encode(&buf, np.img, &jpeg.Options{
			Quality: jpegQuality(opts.Quality),
		})
	case "png":
		enc := png.Encoder{CompressionLevel: pngCompressionLevel(opts.Quality)}
		err = enc.Encode(&buf, np.img)
	case "gif":
		err = gif.Encode(&buf, np.img, &gif.Options{NumColors: 256})
	case "bmp":
		err = bmp.Encode(&buf, np.img)
	case "tif":
		err = tiff.Encode(&buf, np.img, tiffOptions(opts.Quality))
	default:
		return fmt.Errorf("native codec cannot encode %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s image: %w", ext, err)
	}

	out, err := EmbedMetadata(ext, buf.Bytes(), opts.Metadata)
	if err != nil {
		return fmt.Errorf("failed to embed metadata: %w", err)
	}

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("failed to write encoded image: %w", err)
	}
	return nil
}

func jpegQuality(quality *float64) int {
	if quality == nil {
		return jpeg.DefaultQuality
	}

	return percentQuality(*quality)
}

// Quality 1 means no compression and 0 the best one. Returns the
// zlib level in range 0..9 the quality maps to.
func deflateLevel(quality float64) int {
	level := 9 - int(math.Round(9*quality))
	return min(max(level, 0), 9)
}

func pngCompressionLevel(quality *float64) png.CompressionLevel {
	if quality == nil {
		return png.DefaultCompression
	}

	switch level := deflateLevel(*quality); {
	case level == 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

func tiffOptions(quality *float64) *tiff.Options {
	if quality == nil || *quality >= 1 {
		return &tiff.Options{Compression: tiff.Uncompressed}
	}

	return &tiff.Options{Compression: tiff.Deflate, Predictor: true}
}
