package variantsgen

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/giobyte8/rescaler/internal/imaging"
)

var errFakeEncode = errors.New("fake encode failure")

type fakePicture struct {
	width  int
	height int
	md     *imaging.Metadata
}

func (p *fakePicture) Width() int                  { return p.width }
func (p *fakePicture) Height() int                 { return p.height }
func (p *fakePicture) HasAlpha() bool              { return false }
func (p *fakePicture) Metadata() *imaging.Metadata { return p.md }
func (p *fakePicture) Close()                      {}

// Decodes every input into a picture of fixed size and encodes
// variants as runs of bytes whose length is configured per width.
type fakeCodec struct {
	width  int
	height int
	md     *imaging.Metadata

	// Per width size of encoded variants
	sizes map[int]int

	// 1-based decode calls that fail
	failDecodes map[int]bool

	// Widths whose encoding fails after a partial write
	failEncodes map[int]bool

	mu          sync.Mutex
	decodeCalls int
	encoded     []int
	opts        map[int]imaging.EncodeOptions
}

func newFakeCodec(width, height int) *fakeCodec {
	return &fakeCodec{
		width:       width,
		height:      height,
		sizes:       make(map[int]int),
		failDecodes: make(map[int]bool),
		failEncodes: make(map[int]bool),
		opts:        make(map[int]imaging.EncodeOptions),
	}
}

func (c *fakeCodec) Name() string { return "fake" }

func (c *fakeCodec) Extensions() []string { return []string{"jpg", "png"} }

func (c *fakeCodec) Decode(r io.Reader, ext string) (imaging.Picture, error) {
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.decodeCalls++
	if c.failDecodes[c.decodeCalls] {
		return nil, errors.New("fake decode failure")
	}

	return &fakePicture{width: c.width, height: c.height, md: c.md}, nil
}

func (c *fakeCodec) Scale(
	src imaging.Picture,
	width, height int,
) (imaging.Picture, error) {
	return &fakePicture{width: width, height: height}, nil
}

func (c *fakeCodec) Encode(
	w io.Writer,
	pic imaging.Picture,
	ext string,
	opts imaging.EncodeOptions,
) error {
	c.mu.Lock()
	c.encoded = append(c.encoded, pic.Width())
	c.opts[pic.Width()] = opts
	size, ok := c.sizes[pic.Width()]
	fail := c.failEncodes[pic.Width()]
	c.mu.Unlock()

	if !ok {
		size = 10
	}
	if _, err := w.Write(bytes.Repeat([]byte{'x'}, size)); err != nil {
		return err
	}
	if fail {
		return errFakeEncode
	}

	return nil
}

// Fake codec declaring optimized Huffman tables for every format
type huffmanFakeCodec struct {
	*fakeCodec
}

func (c huffmanFakeCodec) OptimizesHuffman(ext string) bool { return true }
