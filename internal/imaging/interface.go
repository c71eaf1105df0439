package imaging

import (
	"fmt"
	"io"
)

const (
	EngineNative   = "native"
	EngineLilliput = "lilliput"
)

// Picture is a decoded raster owned by the Codec that produced it.
// Callers must Close it once done, even for codecs with nothing to
// release.
type Picture interface {
	Width() int
	Height() int

	// Reports whether the pixel format carries an alpha channel
	HasAlpha() bool

	// Container metadata captured at decode time. Scaled pictures
	// carry no metadata of their own.
	Metadata() *Metadata

	Close()
}

// EncodeOptions holds the format-agnostic encoding parameters.
type EncodeOptions struct {

	// Compression quality in [0,1]. Nil means the codec default
	// for the target format.
	Quality *float64

	// Metadata to embed into the encoded output. May be nil.
	Metadata *Metadata

	// Ask the encoder for optimized Huffman tables. Only honoured
	// when the codec declares HuffmanOptimizer for the format.
	OptimizeHuffman bool
}

// Codec decodes, scales and encodes pictures of the formats it
// lists in Extensions. Output format always matches the extension
// passed to Encode.
type Codec interface {
	Name() string

	// Lower-case extensions, without dot, this codec can both
	// decode and encode.
	Extensions() []string

	Decode(r io.Reader, ext string) (Picture, error)
	Scale(src Picture, width, height int) (Picture, error)
	Encode(w io.Writer, pic Picture, ext string, opts EncodeOptions) error
}

// HuffmanOptimizer is implemented by codecs able to emit optimized
// Huffman tables for some of their formats.
type HuffmanOptimizer interface {
	OptimizesHuffman(ext string) bool
}

// Supports reports whether codec can handle given extension.
func Supports(codec Codec, ext string) bool {
	ext = NormalizeExt(ext)
	for _, e := range codec.Extensions() {
		if e == ext {
			return true
		}
	}

	return false
}

// NewCodec builds the codec for given engine name. Interpolation is
// only used by the native engine.
func NewCodec(engine string, interpolation string) (Codec, error) {
	switch engine {
	case "", EngineNative:
		interp, err := ParseInterpolator(interpolation)
		if err != nil {
			return nil, err
		}
		return NewNativeCodec(interp), nil
	case EngineLilliput:
		return NewLilliputCodec(), nil
	default:
		return nil, fmt.Errorf("unknown imaging engine: %q", engine)
	}
}
