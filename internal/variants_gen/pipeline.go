package variantsgen

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/giobyte8/rescaler/internal/imaging"
	"github.com/giobyte8/rescaler/internal/telemetry/metrics"
)

// Pipeline writes the scaled variants of a source image next to it,
// one width at a time.
//
// The first width that produces a file acts as anchor: when that
// file is not smaller than the original, it is removed and the run
// stops, as scaling brings no benefit for such a source.
type Pipeline struct {
	codec   imaging.Codec
	allowed map[string]bool
	metrics metrics.MetricsSvc
}

// NewPipeline creates a pipeline accepting the given extensions.
// Extensions the codec cannot handle are dropped, and an empty list
// allows every extension supported by the codec.
func NewPipeline(
	codec imaging.Codec,
	allowedExts []string,
	metricsSvc metrics.MetricsSvc,
) *Pipeline {
	if metricsSvc == nil {
		metricsSvc = metrics.NewNoopMetricsSvc()
	}

	if len(allowedExts) == 0 {
		allowedExts = codec.Extensions()
	}

	allowed := make(map[string]bool, len(allowedExts))
	for _, ext := range allowedExts {
		ext = imaging.NormalizeExt(ext)
		if !imaging.Supports(codec, ext) {
			slog.Warn(
				"Extension not supported by imaging engine, ignoring it",
				"extension", ext,
				"engine", codec.Name(),
			)
			continue
		}
		allowed[ext] = true
	}

	p := &Pipeline{
		codec:   codec,
		allowed: allowed,
		metrics: metricsSvc,
	}
	if p.Allows("jpg") && !p.optimizesHuffman("jpg") {
		slog.Info(
			"Imaging engine writes jpeg variants with standard Huffman tables",
			"engine", codec.Name(),
		)
	}

	return p
}

// Allows reports whether files with given extension can be scaled.
func (p *Pipeline) Allows(ext string) bool {
	return p.allowed[imaging.NormalizeExt(ext)]
}

// TargetHeight computes the height of a variant of given width,
// keeping the aspect ratio of the original image.
func TargetHeight(origWidth, origHeight, width int) int {
	rescaleFactor := float64(origWidth) / float64(width)
	height := int(math.Round(float64(origHeight) / rescaleFactor))
	return max(height, 1)
}

// Validate checks the source extension against the allowed set and
// the request parameters.
func (p *Pipeline) Validate(req Request) error {
	ext := imaging.ExtOf(req.Filename)
	if !p.Allows(ext) {
		return &UnsupportedFormatError{Ext: ext}
	}

	return req.validate()
}

func (p *Pipeline) Compress(
	ctx context.Context,
	req Request,
) ([]ScaledImage, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}
	ext := imaging.ExtOf(req.Filename)

	widths := req.Widths
	if widths == nil {
		widths = DefaultWidths()
	}

	origPath := filepath.Join(req.Dir, req.Filename)
	slog.Debug(
		"Generating scaled variants",
		"origFile", origPath,
		"widths", widths,
		"engine", p.codec.Name(),
	)
	p.logEXIF(ctx, origPath)

	var images []ScaledImage
	anchorPending := true
	for _, width := range widths {
		select {
		case <-ctx.Done():
			slog.Warn(
				"Context cancelled during variants generation",
				"origFile", origPath,
			)
			return images, ctx.Err()
		default:
			// Continue processing
		}

		variant, err := p.scaleWidth(req, ext, width)
		if err != nil {
			slog.Error(
				"Failed to generate variant, skipping width",
				"origFile", origPath,
				"width", width,
				"error", err,
			)
			continue
		}
		if variant == nil {
			continue
		}

		if anchorPending {
			smaller, err := p.smallerThanOriginal(origPath, *variant)
			if err != nil {
				slog.Error(
					"Failed to compare variant with original, skipping width",
					"origFile", origPath,
					"width", width,
					"error", err,
				)
				p.remove(variant.Path())
				continue
			}

			if !smaller {
				slog.Info(
					"Scaled variant is not smaller than original, aborting",
					"origFile", origPath,
					"width", width,
					"variantSize", variant.Size,
				)
				p.remove(variant.Path())
				p.metrics.Increment(
					metrics.ScaleAborted,
					map[string]string{
						"filePath":    origPath,
						"anchorWidth": strconv.Itoa(width),
					},
				)
				return images, nil
			}
			anchorPending = false
		}

		images = append(images, *variant)
		p.metrics.Increment(
			metrics.VariantCreated,
			map[string]string{
				"filePath":     origPath,
				"variantSize":  strconv.FormatInt(variant.Size, 10),
				"variantWidth": strconv.Itoa(variant.Width),
			},
		)
	}

	return images, nil
}

// Decodes the original, scales it to width and writes the variant.
// Returns a nil variant when width is not smaller than the original.
func (p *Pipeline) scaleWidth(
	req Request,
	ext string,
	width int,
) (*ScaledImage, error) {
	origPath := filepath.Join(req.Dir, req.Filename)

	src, err := p.decode(origPath, ext)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if width >= src.Width() {
		slog.Debug(
			"Width not smaller than original, skipping",
			"origFile", origPath,
			"width", width,
			"origWidth", src.Width(),
		)
		return nil, nil
	}

	height := TargetHeight(src.Width(), src.Height(), width)
	scaled, err := p.codec.Scale(src, width, height)
	if err != nil {
		return nil, err
	}
	defer scaled.Close()

	variant := ScaledImage{
		Dir:      req.Dir,
		Name:     VariantFileName(width, req.Filename),
		Width:    scaled.Width(),
		Height:   scaled.Height(),
		MIMEType: imaging.MIMEType(ext),
	}

	opts := imaging.EncodeOptions{
		Quality:         req.Quality,
		Metadata:        src.Metadata(),
		OptimizeHuffman: p.optimizesHuffman(ext),
	}
	if err := p.write(variant.Path(), scaled, ext, opts); err != nil {
		return nil, err
	}

	info, err := os.Stat(variant.Path())
	if err != nil {
		p.remove(variant.Path())
		return nil, fmt.Errorf(
			"failed to stat variant file %s: %w",
			variant.Path(),
			err,
		)
	}
	variant.Size = info.Size()

	return &variant, nil
}

func (p *Pipeline) decode(origPath string, ext string) (imaging.Picture, error) {
	file, err := os.Open(origPath)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to open original file %s: %w",
			origPath,
			err,
		)
	}
	defer file.Close()

	pic, err := p.codec.Decode(bufio.NewReader(file), ext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", origPath, err)
	}

	return pic, nil
}

// Encodes pic into path. A partially written file is removed.
func (p *Pipeline) write(
	path string,
	pic imaging.Picture,
	ext string,
	opts imaging.EncodeOptions,
) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create variant file %s: %w", path, err)
	}

	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf(
				"failed to close variant file %s: %w",
				path,
				closeErr,
			)
		}
		if err != nil {
			p.remove(path)
		}
	}()

	out := bufio.NewWriter(file)
	if err = p.codec.Encode(out, pic, ext, opts); err != nil {
		return err
	}

	if err = out.Flush(); err != nil {
		return fmt.Errorf("failed to write variant file %s: %w", path, err)
	}
	return nil
}

func (p *Pipeline) smallerThanOriginal(
	origPath string,
	variant ScaledImage,
) (bool, error) {
	info, err := os.Stat(origPath)
	if err != nil {
		return false, fmt.Errorf(
			"failed to stat original file %s: %w",
			origPath,
			err,
		)
	}

	return variant.Size < info.Size(), nil
}

func (p *Pipeline) optimizesHuffman(ext string) bool {
	optimizer, ok := p.codec.(imaging.HuffmanOptimizer)
	return ok && optimizer.OptimizesHuffman(ext)
}

func (p *Pipeline) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("Failed to remove variant file", "path", path, "error", err)
	}
}

// Logs camera details of the original when debug logging is on.
func (p *Pipeline) logEXIF(ctx context.Context, origPath string) {
	if !slog.Default().Enabled(ctx, slog.LevelDebug) {
		return
	}

	file, err := os.Open(origPath)
	if err != nil {
		return
	}
	defer file.Close()

	summary, err := imaging.InspectEXIF(file)
	if err != nil {
		slog.Debug("No EXIF data in original", "origFile", origPath)
		return
	}

	slog.Debug(
		"Original EXIF data",
		"origFile", origPath,
		"cameraMake", summary.CameraMake,
		"cameraModel", summary.CameraModel,
		"dateTaken", summary.DateTaken,
	)
}
