package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giobyte8/rescaler/internal/imaging"
	"github.com/giobyte8/rescaler/internal/models"
	variantsgen "github.com/giobyte8/rescaler/internal/variants_gen"
)

// Records requests and the variant files present when called
type stubGenerator struct {
	requests    []variantsgen.Request
	existing    [][]string
	result      []variantsgen.ScaledImage
	err         error
	validateErr error
}

func (g *stubGenerator) Validate(req variantsgen.Request) error {
	return g.validateErr
}

func (g *stubGenerator) Compress(
	ctx context.Context,
	req variantsgen.Request,
) ([]variantsgen.ScaledImage, error) {
	g.requests = append(g.requests, req)

	matches, err := filepath.Glob(variantsgen.VariantsGlob(req.Dir, req.Filename))
	if err != nil {
		return nil, err
	}
	g.existing = append(g.existing, matches)

	return g.result, g.err
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
}

func newTestService(t *testing.T, gen *stubGenerator) (*VariantsService, string) {
	t.Helper()

	root := t.TempDir()
	quality := 0.5
	svc := NewVariantsService(
		VariantsConfig{
			DirOriginalsRoot: root,
			Widths:           []int{100, 200},
			Quality:          &quality,
		},
		gen,
	)
	return svc, root
}

func TestProcessScaleRequest_UsesConfigDefaults(t *testing.T) {
	gen := &stubGenerator{
		result: []variantsgen.ScaledImage{{Name: "scaled_100_photo.jpg", Width: 100}},
	}
	svc, root := newTestService(t, gen)
	touch(t, filepath.Join(root, "albums", "photo.jpg"))

	variants, err := svc.ProcessScaleRequest(
		context.Background(),
		models.ScaleRequest{ScaleRequestId: uuid.New(), FilePath: "albums/photo.jpg"},
	)

	require.NoError(t, err)
	assert.Equal(t, gen.result, variants)
	require.Len(t, gen.requests, 1)

	req := gen.requests[0]
	assert.Equal(t, filepath.Join(root, "albums"), req.Dir)
	assert.Equal(t, "photo.jpg", req.Filename)
	assert.Equal(t, []int{100, 200}, req.Widths)
	require.NotNil(t, req.Quality)
	assert.Equal(t, 0.5, *req.Quality)
}

func TestProcessScaleRequest_RequestOverridesConfig(t *testing.T) {
	gen := &stubGenerator{}
	svc, root := newTestService(t, gen)
	touch(t, filepath.Join(root, "photo.jpg"))
	quality := 0.9

	_, err := svc.ProcessScaleRequest(
		context.Background(),
		models.ScaleRequest{
			ScaleRequestId: uuid.New(),
			FilePath:       "photo.jpg",
			Widths:         []int{300},
			Quality:        &quality,
		},
	)

	require.NoError(t, err)
	require.Len(t, gen.requests, 1)
	assert.Equal(t, []int{300}, gen.requests[0].Widths)
	assert.Equal(t, 0.9, *gen.requests[0].Quality)
}

func TestProcessScaleRequest_RemovesStaleVariantsFirst(t *testing.T) {
	gen := &stubGenerator{}
	svc, root := newTestService(t, gen)
	touch(t, filepath.Join(root, "photo.jpg"))
	touch(t, filepath.Join(root, "scaled_100_photo.jpg"))
	touch(t, filepath.Join(root, "scaled_400_photo.jpg"))
	touch(t, filepath.Join(root, "scaled_abc_photo.jpg"))

	_, err := svc.ProcessScaleRequest(
		context.Background(),
		models.ScaleRequest{ScaleRequestId: uuid.New(), FilePath: "photo.jpg"},
	)

	require.NoError(t, err)
	require.Len(t, gen.existing, 1)
	assert.Equal(t, []string{filepath.Join(root, "scaled_abc_photo.jpg")}, gen.existing[0])
	assert.FileExists(t, filepath.Join(root, "photo.jpg"))
}

func TestProcessScaleRequest_GeneratorError(t *testing.T) {
	gen := &stubGenerator{err: variantsgen.ErrUnsupportedFormat}
	svc, root := newTestService(t, gen)
	touch(t, filepath.Join(root, "notes.txt"))

	variants, err := svc.ProcessScaleRequest(
		context.Background(),
		models.ScaleRequest{ScaleRequestId: uuid.New(), FilePath: "notes.txt"},
	)

	assert.Nil(t, variants)
	assert.ErrorIs(t, err, variantsgen.ErrUnsupportedFormat)
}

func TestProcessScaleRequest_RejectsInvalidPaths(t *testing.T) {
	gen := &stubGenerator{}
	svc, _ := newTestService(t, gen)

	for _, path := range []string{"../outside.jpg", "albums/../../outside.jpg", "."} {
		_, err := svc.ProcessScaleRequest(
			context.Background(),
			models.ScaleRequest{ScaleRequestId: uuid.New(), FilePath: path},
		)
		assert.ErrorIs(t, err, ErrOutsideRoot, path)
	}

	_, err := svc.ProcessScaleRequest(
		context.Background(),
		models.ScaleRequest{ScaleRequestId: uuid.New(), FilePath: "  "},
	)
	assert.Error(t, err)
	assert.Empty(t, gen.requests)
}

func TestProcessDelRequest(t *testing.T) {
	svc, root := newTestService(t, &stubGenerator{})
	touch(t, filepath.Join(root, "photo.jpg"))
	touch(t, filepath.Join(root, "scaled_100_photo.jpg"))
	touch(t, filepath.Join(root, "scaled_1920_photo.jpg"))
	touch(t, filepath.Join(root, "scaled_100_other.jpg"))
	touch(t, filepath.Join(root, "scaled_200_scaled_100_photo.jpg"))

	err := svc.ProcessDelRequest(
		context.Background(),
		models.VariantsDelRequest{DelRequestId: uuid.New(), FilePath: "photo.jpg"},
	)

	require.NoError(t, err)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"photo.jpg",
		"scaled_100_other.jpg",
		"scaled_200_scaled_100_photo.jpg",
	}, names)
}

func TestProcessDelRequest_MissingDirectory(t *testing.T) {
	svc, _ := newTestService(t, &stubGenerator{})

	err := svc.ProcessDelRequest(
		context.Background(),
		models.VariantsDelRequest{DelRequestId: uuid.New(), FilePath: "gone/photo.jpg"},
	)

	assert.NoError(t, err)
}

func TestProcessDelRequest_CancelledContext(t *testing.T) {
	svc, root := newTestService(t, &stubGenerator{})
	touch(t, filepath.Join(root, "scaled_100_photo.jpg"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.ProcessDelRequest(
		ctx,
		models.VariantsDelRequest{DelRequestId: uuid.New(), FilePath: "photo.jpg"},
	)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.FileExists(t, filepath.Join(root, "scaled_100_photo.jpg"))
}

func TestProcessScaleRequest_RejectedRequestKeepsVariants(t *testing.T) {
	codec, err := imaging.NewCodec(imaging.EngineNative, "")
	require.NoError(t, err)

	root := t.TempDir()
	svc := NewVariantsService(
		VariantsConfig{DirOriginalsRoot: root, Widths: []int{100}},
		variantsgen.NewPipeline(codec, nil, nil),
	)
	touch(t, filepath.Join(root, "doc.txt"))
	touch(t, filepath.Join(root, "scaled_100_doc.txt"))
	touch(t, filepath.Join(root, "photo.jpg"))
	touch(t, filepath.Join(root, "scaled_100_photo.jpg"))

	_, err = svc.ProcessScaleRequest(
		context.Background(),
		models.ScaleRequest{ScaleRequestId: uuid.New(), FilePath: "doc.txt"},
	)
	assert.ErrorIs(t, err, variantsgen.ErrUnsupportedFormat)
	assert.FileExists(t, filepath.Join(root, "scaled_100_doc.txt"))

	quality := 1.5
	_, err = svc.ProcessScaleRequest(
		context.Background(),
		models.ScaleRequest{ScaleRequestId: uuid.New(), FilePath: "photo.jpg", Quality: &quality},
	)
	assert.ErrorIs(t, err, variantsgen.ErrInvalidQuality)
	assert.FileExists(t, filepath.Join(root, "scaled_100_photo.jpg"))

	_, err = svc.ProcessScaleRequest(
		context.Background(),
		models.ScaleRequest{ScaleRequestId: uuid.New(), FilePath: "photo.jpg", Widths: []int{0}},
	)
	assert.ErrorIs(t, err, variantsgen.ErrInvalidWidth)
	assert.FileExists(t, filepath.Join(root, "scaled_100_photo.jpg"))
}

func TestProcessScaleRequest_ValidatesBeforeGenerating(t *testing.T) {
	gen := &stubGenerator{validateErr: variantsgen.ErrInvalidQuality}
	svc, root := newTestService(t, gen)
	touch(t, filepath.Join(root, "photo.jpg"))
	touch(t, filepath.Join(root, "scaled_100_photo.jpg"))

	_, err := svc.ProcessScaleRequest(
		context.Background(),
		models.ScaleRequest{ScaleRequestId: uuid.New(), FilePath: "photo.jpg"},
	)

	assert.ErrorIs(t, err, variantsgen.ErrInvalidQuality)
	assert.Empty(t, gen.requests)
	assert.FileExists(t, filepath.Join(root, "scaled_100_photo.jpg"))
}
