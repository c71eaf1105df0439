package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8((x ^ y) & 0xff),
				A: 255,
			})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}))
	return buf.Bytes()
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegSegment(marker byte, payload []byte) []byte {
	seg := []byte{0xff, marker, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	return append(seg, payload...)
}

func pngChunk(chunkType string, data []byte) []byte {
	chunk := make([]byte, 8, 12+len(data))
	binary.BigEndian.PutUint32(chunk[:4], uint32(len(data)))
	copy(chunk[4:8], chunkType)
	chunk = append(chunk, data...)

	crc := crc32.ChecksumIEEE(chunk[4:])
	return binary.BigEndian.AppendUint32(chunk, crc)
}

// Inserts segments right after SOI
func withJPEGSegments(encoded []byte, segments ...[]byte) []byte {
	return splice(encoded, 2, segments)
}

// Inserts chunks right after IHDR
func withPNGChunks(encoded []byte, chunks ...[]byte) []byte {
	return splice(encoded, len(pngSignature)+25, chunks)
}

func TestReadMetadata_JPEG(t *testing.T) {
	exifSeg := jpegSegment(0xe1, []byte("Exif\x00\x00fake-exif-payload"))
	iccSeg := jpegSegment(0xe2, []byte("ICC_PROFILE\x00\x01\x01fake"))
	jfifSeg := jpegSegment(0xe0, []byte("JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00"))
	adobeSeg := jpegSegment(0xee, []byte("Adobe\x00\x64\x00\x00\x00\x00\x01"))

	src := withJPEGSegments(
		encodeJPEG(t, testImage(32, 32), 80),
		jfifSeg, exifSeg, iccSeg, adobeSeg,
	)

	md, err := ReadMetadata("JPG", src)

	require.NoError(t, err)
	require.Equal(t, 2, md.Len())
	assert.Equal(t, exifSeg, md.blocks[0])
	assert.Equal(t, iccSeg, md.blocks[1])
}

func TestEmbedMetadata_JPEG(t *testing.T) {
	exifSeg := jpegSegment(0xe1, []byte("Exif\x00\x00fake-exif-payload"))
	src := withJPEGSegments(encodeJPEG(t, testImage(32, 32), 80), exifSeg)
	md, err := ReadMetadata("jpeg", src)
	require.NoError(t, err)

	out, err := EmbedMetadata("jpg", encodeJPEG(t, testImage(16, 16), 60), md)

	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out[2:], exifSeg))

	decoded, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 16, decoded.Bounds().Dx())
}

func TestReadMetadata_PNG(t *testing.T) {
	text := pngChunk("tEXt", []byte("Author\x00rescaler"))
	phys := pngChunk("pHYs", []byte{0, 0, 0x0b, 0x13, 0, 0, 0x0b, 0x13, 1})
	unknown := pngChunk("prVt", []byte("private"))

	src := withPNGChunks(encodePNG(t, testImage(8, 8)), text, phys, unknown)

	md, err := ReadMetadata("png", src)

	require.NoError(t, err)
	require.Equal(t, 2, md.Len())
	assert.Equal(t, text, md.blocks[0])
	assert.Equal(t, phys, md.blocks[1])
}

func TestEmbedMetadata_PNG(t *testing.T) {
	text := pngChunk("tEXt", []byte("Author\x00rescaler"))
	src := withPNGChunks(encodePNG(t, testImage(8, 8)), text)
	md, err := ReadMetadata("png", src)
	require.NoError(t, err)

	out, err := EmbedMetadata("PNG", encodePNG(t, testImage(4, 4)), md)

	require.NoError(t, err)
	assert.True(t, bytes.Contains(out, text))

	// png decoder checks every chunk crc
	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 4, decoded.Bounds().Dx())
}

func TestEmbedMetadata_Passthrough(t *testing.T) {
	encoded := encodePNG(t, testImage(4, 4))

	out, err := EmbedMetadata("png", encoded, nil)
	require.NoError(t, err)
	assert.Equal(t, encoded, out)

	jpegMd := &Metadata{
		format: "jpg",
		blocks: [][]byte{jpegSegment(0xe1, []byte("Exif\x00\x00"))},
	}
	out, err = EmbedMetadata("png", encoded, jpegMd)
	require.NoError(t, err)
	assert.Equal(t, encoded, out)
}

func TestReadMetadata_FormatsWithoutMetadata(t *testing.T) {
	md, err := ReadMetadata("bmp", []byte("BM"))

	require.NoError(t, err)
	assert.Zero(t, md.Len())
}

func TestReadMetadata_Malformed(t *testing.T) {
	_, err := ReadMetadata("jpg", []byte("not a jpeg"))
	assert.ErrorIs(t, err, ErrMalformedJPEG)

	_, err = ReadMetadata("png", []byte("not a png"))
	assert.ErrorIs(t, err, ErrMalformedPNG)

	truncated := encodePNG(t, testImage(4, 4))[:30]
	_, err = ReadMetadata("png", truncated)
	assert.ErrorIs(t, err, ErrMalformedPNG)

	_, err = ReadMetadata("gif", []byte("GIF89a"))
	assert.ErrorIs(t, err, ErrMalformedGIF)

	_, err = ReadMetadata("webp", []byte("RIFF\x04\x00\x00\x00WEBX"))
	assert.ErrorIs(t, err, ErrMalformedWebP)
}

func jfifSegment(units byte, xDensity, yDensity uint16) []byte {
	payload := []byte("JFIF\x00\x01\x02")
	payload = append(payload, units)
	payload = binary.BigEndian.AppendUint16(payload, xDensity)
	payload = binary.BigEndian.AppendUint16(payload, yDensity)
	return jpegSegment(0xe0, append(payload, 0, 0))
}

func TestEmbedMetadata_JPEGAddsJFIFFirst(t *testing.T) {
	exifSeg := jpegSegment(0xe1, []byte("Exif\x00\x00fake-exif-payload"))
	src := withJPEGSegments(
		encodeJPEG(t, testImage(32, 32), 80),
		jfifSegment(1, 300, 300), exifSeg,
	)
	md, err := ReadMetadata("jpg", src)
	require.NoError(t, err)

	// Go's encoder writes no APP0
	out, err := EmbedMetadata("jpg", encodeJPEG(t, testImage(16, 16), 60), md)

	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out[2:], jfifSegment(1, 300, 300)))
	assert.True(t, bytes.HasPrefix(out[2+18:], exifSeg))

	_, err = jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
}

func TestEmbedMetadata_JPEGKeepsEncoderAPP0First(t *testing.T) {
	exifSeg := jpegSegment(0xe1, []byte("Exif\x00\x00fake-exif-payload"))
	src := withJPEGSegments(
		encodeJPEG(t, testImage(32, 32), 80),
		jfifSegment(1, 300, 300), exifSeg,
	)
	md, err := ReadMetadata("jpg", src)
	require.NoError(t, err)

	// As written by libjpeg: JFIF 1.01, aspect ratio only
	encoderAPP0 := jfifSegment(0, 1, 1)
	encoded := withJPEGSegments(encodeJPEG(t, testImage(16, 16), 60), encoderAPP0)

	out, err := EmbedMetadata("jpg", encoded, md)

	require.NoError(t, err)
	require.True(t, isJFIF(out[2:2+18]))
	assert.Equal(t, []byte{1, 0x01, 0x2c, 0x01, 0x2c}, out[13:18])
	assert.True(t, bytes.HasPrefix(out[2+18:], exifSeg))
	assert.Equal(t, encoderAPP0, encoded[2:2+18], "input must not be modified")
}

func gifComment(text string) []byte {
	ext := []byte{0x21, 0xfe, byte(len(text))}
	ext = append(ext, text...)
	return append(ext, 0)
}

func gifApplication(id string, data []byte) []byte {
	ext := []byte{0x21, 0xff, 11}
	ext = append(ext, id...)
	ext = append(ext, byte(len(data)))
	ext = append(ext, data...)
	return append(ext, 0)
}

func encodeGIF(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, img, nil))
	return buf.Bytes()
}

// Inserts extensions before the first frame
func withGIFExtensions(encoded []byte, exts ...[]byte) []byte {
	return splice(encoded, gifHeaderLen+gifColorTableLen(encoded[10]), exts)
}

func TestReadMetadata_GIF(t *testing.T) {
	comment := gifComment("shot on a rainy day")
	xmp := gifApplication("XMP DataXMP", []byte("<x:xmpmeta/>"))
	loop := gifApplication("NETSCAPE2.0", []byte{1, 0, 0})

	src := withGIFExtensions(encodeGIF(t, testImage(16, 16)), loop, comment, xmp)

	md, err := ReadMetadata("gif", src)

	require.NoError(t, err)
	require.Equal(t, 2, md.Len())
	assert.Equal(t, comment, md.blocks[0])
	assert.Equal(t, xmp, md.blocks[1])
}

func TestEmbedMetadata_GIF(t *testing.T) {
	comment := gifComment("shot on a rainy day")
	src := withGIFExtensions(encodeGIF(t, testImage(16, 16)), comment)
	md, err := ReadMetadata("gif", src)
	require.NoError(t, err)

	out, err := EmbedMetadata("gif", encodeGIF(t, testImage(8, 8)), md)

	require.NoError(t, err)
	assert.True(t, bytes.Contains(out, comment))

	decoded, err := gif.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 8, decoded.Bounds().Dx())
}

func webpChunkBytes(fourCC string, payload []byte) []byte {
	chunk := []byte(fourCC)
	chunk = binary.LittleEndian.AppendUint32(chunk, uint32(len(payload)))
	chunk = append(chunk, payload...)
	if len(payload)%2 == 1 {
		chunk = append(chunk, 0)
	}
	return chunk
}

func riff(chunks ...[]byte) []byte {
	out := []byte("RIFF\x00\x00\x00\x00WEBP")
	for _, c := range chunks {
		out = append(out, c...)
	}
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))
	return out
}

// VP8L header of a w x h image followed by a fake bitstream
func vp8lChunk(w, h int, alpha bool) []byte {
	bits := uint32(w-1) | uint32(h-1)<<14
	if alpha {
		bits |= 1 << 28
	}
	payload := binary.LittleEndian.AppendUint32([]byte{0x2f}, bits)
	return webpChunkBytes("VP8L", append(payload, 0xaa, 0xbb, 0xcc))
}

func TestReadMetadata_WebP(t *testing.T) {
	iccp := webpChunkBytes("ICCP", []byte("fake icc profile"))
	exif := webpChunkBytes("EXIF", []byte("II*\x00fake"))
	xmp := webpChunkBytes("XMP ", []byte("<x:xmpmeta/>"))
	vp8x := webpChunkBytes("VP8X", make([]byte, 10))

	src := riff(vp8x, iccp, vp8lChunk(64, 32, false), exif, xmp)

	md, err := ReadMetadata("webp", src)

	require.NoError(t, err)
	require.Equal(t, 3, md.Len())
	assert.Equal(t, iccp, md.blocks[0])
	assert.Equal(t, exif, md.blocks[1])
	assert.Equal(t, xmp, md.blocks[2])
}

func TestEmbedMetadata_WebPSimpleFormat(t *testing.T) {
	iccp := webpChunkBytes("ICCP", []byte("fake icc profile"))
	exif := webpChunkBytes("EXIF", []byte("II*\x00fake"))
	src := riff(webpChunkBytes("VP8X", make([]byte, 10)), iccp, vp8lChunk(64, 32, false), exif)
	md, err := ReadMetadata("webp", src)
	require.NoError(t, err)

	frame := vp8lChunk(32, 16, true)
	out, err := EmbedMetadata("webp", riff(frame), md)

	require.NoError(t, err)
	assert.Equal(t, uint32(len(out)-8), binary.LittleEndian.Uint32(out[4:8]))

	chunks, err := readWebPChunkList(out)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	assert.Equal(t, "VP8X", chunks[0].fourCC)
	assert.Equal(t, iccp, chunks[1].raw)
	assert.Equal(t, frame, chunks[2].raw)
	assert.Equal(t, exif, chunks[3].raw)

	vp8x := chunks[0].raw[8:]
	assert.Equal(t, byte(0x20|0x10|0x08), vp8x[0])
	assert.Equal(t, []byte{31, 0, 0}, vp8x[4:7])
	assert.Equal(t, []byte{15, 0, 0}, vp8x[7:10])
}

func TestEmbedMetadata_WebPExtendedFormat(t *testing.T) {
	xmp := webpChunkBytes("XMP ", []byte("<x:xmpmeta/>"))
	md, err := ReadMetadata("webp", riff(webpChunkBytes("VP8X", make([]byte, 10)), vp8lChunk(8, 8, false), xmp))
	require.NoError(t, err)

	vp8xPayload := []byte{0x10, 0, 0, 0, 7, 0, 0, 7, 0, 0}
	alph := webpChunkBytes("ALPH", []byte{0, 1, 2})
	out, err := EmbedMetadata(
		"webp",
		riff(webpChunkBytes("VP8X", vp8xPayload), alph, vp8lChunk(8, 8, false)),
		md,
	)

	require.NoError(t, err)
	chunks, err := readWebPChunkList(out)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	assert.Equal(t, byte(0x10|0x04), chunks[0].raw[8])
	assert.Equal(t, "ALPH", chunks[1].fourCC)
	assert.Equal(t, "VP8L", chunks[2].fourCC)
	assert.Equal(t, xmp, chunks[3].raw)
}
