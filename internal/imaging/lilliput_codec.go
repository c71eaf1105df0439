package imaging

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/discord/lilliput"
)

// LilliputCodec relies on discord/lilliput (libjpeg-turbo, libpng,
// libwebp and OpenCV underneath) for decoding, resizing and encoding.
type LilliputCodec struct{}

type lilliputPicture struct {
	fb       *lilliput.Framebuffer
	decoder  lilliput.Decoder
	hasAlpha bool
	md       *Metadata

	// Scaled pictures borrow the decoder of their source
	ownsDecoder bool
}

func (p *lilliputPicture) Width() int          { return p.fb.Width() }
func (p *lilliputPicture) Height() int         { return p.fb.Height() }
func (p *lilliputPicture) HasAlpha() bool      { return p.hasAlpha }
func (p *lilliputPicture) Metadata() *Metadata { return p.md }

func (p *lilliputPicture) Close() {
	p.fb.Close()
	if p.ownsDecoder && p.decoder != nil {
		p.decoder.Close()
	}
}

func NewLilliputCodec() *LilliputCodec {
	return &LilliputCodec{}
}

func (c *LilliputCodec) Name() string {
	return EngineLilliput
}

func (c *LilliputCodec) Extensions() []string {
	return []string{"jpg", "jpeg", "png", "webp"}
}

// OptimizesHuffman is true for jpeg: progressive scans written by
// libjpeg always use optimized Huffman tables.
func (c *LilliputCodec) OptimizesHuffman(ext string) bool {
	return canonicalFormat(ext) == "jpg"
}

func (c *LilliputCodec) Decode(r io.Reader, ext string) (Picture, error) {
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

	decoder, err := lilliput.NewDecoder(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create lilliput decoder: %w", err)
	}

	header, err := decoder.Header()
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to get image header: %w", err)
	}

	width, height := header.Width(), header.Height()
	if width == 0 || height == 0 {
		decoder.Close()
		return nil, fmt.Errorf(
			"invalid image dimensions: width=%d, height=%d",
			width,
			height,
		)
	}

	fb := lilliput.NewFramebuffer(width, height)
	if err := decoder.DecodeTo(fb); err != nil {
		fb.Close()
		decoder.Close()
		return nil, fmt.Errorf("failed to decode %s image: %w", ext, err)
	}

	return &lilliputPicture{
		fb:          fb,
		decoder:     decoder,
		hasAlpha:    header.PixelType().Channels() == 4,
		md:          md,
		ownsDecoder: true,
	}, nil
}

// Scale resizes with OpenCV. Alpha is resized as one more channel,
// so transparent areas stay transparent.
func (c *LilliputCodec) Scale(src Picture, width, height int) (Picture, error) {
	pic, ok := src.(*lilliputPicture)
	if !ok {
		return nil, fmt.Errorf("lilliput codec cannot scale a %T", src)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf(
			"invalid target dimensions: width=%d, height=%d",
			width,
			height,
		)
	}

	dst := lilliput.NewFramebuffer(width, height)
	if err := pic.fb.ResizeTo(width, height, dst); err != nil {
		dst.Close()
		return nil, fmt.Errorf("failed to resize image: %w", err)
	}

	return &lilliputPicture{
		fb:       dst,
		decoder:  pic.decoder,
		hasAlpha: pic.hasAlpha,
	}, nil
}

func (c *LilliputCodec) Encode(
	w io.Writer,
	pic Picture,
	ext string,
	opts EncodeOptions,
) error {
	lp, ok := pic.(*lilliputPicture)
	if !ok {
		return fmt.Errorf("lilliput codec cannot encode a %T", pic)
	}

	// Worst case is an uncompressed png: raw pixels plus headers
	outBuf := make([]byte, lp.Width()*lp.Height()*4+64*1024)
	encoder, err := lilliput.NewEncoder("."+NormalizeExt(ext), lp.decoder, outBuf)
	if err != nil {
		return fmt.Errorf("failed to create lilliput encoder: %w", err)
	}
	defer encoder.Close()

	encoded, err := encoder.Encode(lp.fb, lilliputEncodeOptions(ext, opts))
	if err != nil {
		return fmt.Errorf("failed to encode %s image: %w", ext, err)
	}

	out, err := EmbedMetadata(ext, encoded, opts.Metadata)
	if err != nil {
		return fmt.Errorf("failed to embed metadata: %w", err)
	}

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("failed to write encoded image: %w", err)
	}
	return nil
}

func lilliputEncodeOptions(ext string, opts EncodeOptions) map[int]int {
	encOpts := make(map[int]int)

	switch canonicalFormat(ext) {
	case "jpg":
		if opts.Quality != nil {
			encOpts[lilliput.JpegQuality] = percentQuality(*opts.Quality)
		}
		if opts.OptimizeHuffman {
			encOpts[lilliput.JpegProgressive] = 1
		}
	case "png":
		if opts.Quality != nil {
			encOpts[lilliput.PngCompression] = deflateLevel(*opts.Quality)
		}
	case "webp":
		if opts.Quality != nil {
			encOpts[lilliput.WebpQuality] = percentQuality(*opts.Quality)
		}
	}

	return encOpts
}

func percentQuality(quality float64) int {
	q := int(math.Round(quality * 100))
	return min(max(q, 1), 100)
}
