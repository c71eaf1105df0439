package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	"github.com/giobyte8/rescaler/internal/imaging"
	"github.com/giobyte8/rescaler/internal/models"
	variantsgen "github.com/giobyte8/rescaler/internal/variants_gen"
)

var ErrOutsideRoot = errors.New("file path escapes originals root directory")

type VariantsConfig struct {
	DirOriginalsRoot string
	Widths           []int
	Quality          *float64
}

type VariantsService struct {
	config    VariantsConfig
	generator variantsgen.VariantsGenerator
}

func NewVariantsService(
	config VariantsConfig,
	generator variantsgen.VariantsGenerator,
) *VariantsService {
	return &VariantsService{
		config:    config,
		generator: generator,
	}
}

// ProcessScaleRequest (re)generates the variants of an original.
// Once the request is known to be valid, variants left by previous
// runs are removed, so a run aborted because scaling does not pay
// off leaves no stale files behind.
func (s *VariantsService) ProcessScaleRequest(
	ctx context.Context,
	req models.ScaleRequest,
) ([]variantsgen.ScaledImage, error) {
	slog.Debug(
		"Processing scale request",
		"requestId", req.ScaleRequestId,
		"filePath", req.FilePath,
	)

	dir, name, err := s.resolveOriginal(req.FilePath)
	if err != nil {
		return nil, err
	}

	genReq := variantsgen.Request{
		Dir:      dir,
		Filename: name,
		Widths:   s.config.Widths,
		Quality:  s.config.Quality,
	}
	if len(req.Widths) > 0 {
		genReq.Widths = req.Widths
	}
	if req.Quality != nil {
		genReq.Quality = req.Quality
	}

	// Rejected requests must leave existing variants untouched
	if err := s.generator.Validate(genReq); err != nil {
		return nil, err
	}

	if err := s.cleanupExisting(ctx, dir, name); err != nil {
		return nil, err
	}
	s.checkContentType(filepath.Join(dir, name))

	variants, err := s.generator.Compress(ctx, genReq)
	if err != nil {
		return nil, err
	}

	slog.Info(
		"Scale request processed",
		"requestId", req.ScaleRequestId,
		"filePath", req.FilePath,
		"variants", len(variants),
	)
	return variants, nil
}

// ProcessDelRequest removes every variant of an original. The
// original itself does not need to exist anymore.
func (s *VariantsService) ProcessDelRequest(
	ctx context.Context,
	req models.VariantsDelRequest,
) error {
	slog.Debug(
		"Processing variants delete request",
		"requestId", req.DelRequestId,
		"filePath", req.FilePath,
	)

	dir, name, err := s.resolveOriginal(req.FilePath)
	if err != nil {
		return err
	}

	return s.cleanupExisting(ctx, dir, name)
}

// Returns the absolute directory and the file name of an original
// given its path relative to the originals root.
func (s *VariantsService) resolveOriginal(
	origFileRelPath string,
) (string, string, error) {
	if strings.TrimSpace(origFileRelPath) == "" {
		return "", "", fmt.Errorf("file path cannot be empty")
	}

	root := filepath.Clean(s.config.DirOriginalsRoot)
	absPath := filepath.Join(root, origFileRelPath)

	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return "", "", fmt.Errorf(
			"failed to resolve %s: %w",
			origFileRelPath,
			err,
		)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrOutsideRoot, origFileRelPath)
	}

	return filepath.Dir(absPath), filepath.Base(absPath), nil
}

func (s *VariantsService) cleanupExisting(
	ctx context.Context,
	dir string,
	origFileName string,
) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	// Find files matching the variants pattern
	pattern := variantsgen.VariantsGlob(dir, origFileName)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf(
			"failed to glob for existing variants with pattern %s: %w",
			pattern,
			err,
		)
	}

	// Remove each file mathing pattern
	for _, matchPath := range matches {
		select {
		case <-ctx.Done():
			slog.Warn(
				"Context cancelled during variants cleanup.",
				"path",
				matchPath,
			)
			return ctx.Err()
		default:
			// Continue with deletion
		}

		// Glob also matches 'scaled_x_scaled_100_<name>'
		if !variantsgen.IsVariantOf(filepath.Base(matchPath), origFileName) {
			continue
		}

		slog.Debug("Removing existing variant", "path", matchPath)
		if err := os.Remove(matchPath); err != nil {
			return fmt.Errorf(
				"failed to remove existing variant %s: %w",
				matchPath,
				err,
			)
		}
	}

	return nil
}

// Warns when the content of a file does not match its extension.
// Decoding such a file fails later on, this only makes the cause
// visible in logs.
func (s *VariantsService) checkContentType(origFileAbsPath string) {
	kind, err := filetype.MatchFile(origFileAbsPath)
	if err != nil || kind == filetype.Unknown {
		return
	}

	ext := imaging.ExtOf(origFileAbsPath)
	if !imaging.SameFormat(kind.Extension, ext) {
		slog.Warn(
			"File content does not match its extension",
			"path", origFileAbsPath,
			"extension", ext,
			"detectedType", kind.MIME.Value,
		)
	}
}
