package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Metadata holds container level metadata blocks (EXIF, XMP, ICC
// profiles, text chunks...) copied byte for byte from a source file.
// It is opaque to everything but ReadMetadata and EmbedMetadata.
type Metadata struct {
	format string
	blocks [][]byte

	// JFIF APP0 segment of a jpeg source, thumbnail dropped. Carries
	// the pixel density over to variants.
	jfif []byte
}

// Len returns the number of metadata blocks held.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.blocks)
}

func (m *Metadata) empty() bool {
	return m.Len() == 0 && (m == nil || m.jfif == nil)
}

var (
	ErrMalformedJPEG = errors.New("malformed jpeg stream")
	ErrMalformedPNG  = errors.New("malformed png stream")
	ErrMalformedGIF  = errors.New("malformed gif stream")
	ErrMalformedWebP = errors.New("malformed webp stream")
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Ancillary png chunks carried over to re-encoded files
var pngKeptChunks = map[string]bool{
	"tEXt": true,
	"zTXt": true,
	"iTXt": true,
	"eXIf": true,
	"iCCP": true,
	"sRGB": true,
	"gAMA": true,
	"cHRM": true,
	"pHYs": true,
	"tIME": true,
}

const (
	jpegMarkerSOI   = 0xd8
	jpegMarkerSOS   = 0xda
	jpegMarkerAPP0  = 0xe0
	jpegMarkerAPP14 = 0xee
	jpegMarkerAPP15 = 0xef
	jpegMarkerCOM   = 0xfe
)

// JFIF APP0 layout: marker(2) len(2) "JFIF\0"(5) version(2) then
// units(1) x density(2) y density(2) and thumbnail size(2)
const (
	jfifSegmentLen = 18
	jfifDensityAt  = 11
	jfifDensityLen = 5
)

var jfifIdentifier = []byte("JFIF\x00")

const (
	gifHeaderLen        = 13
	gifExtIntroducer    = 0x21
	gifImageSeparator   = 0x2c
	gifTrailer          = 0x3b
	gifLabelComment     = 0xfe
	gifLabelApplication = 0xff
)

// Application extensions driving animation. Only the first frame is
// ever written, so those are dropped.
var gifAnimationApps = map[string]bool{
	"NETSCAPE2.0": true,
	"ANIMEXTS1.0": true,
}

// Webp metadata chunks and their VP8X feature flag
var webpKeptChunks = map[string]byte{
	"ICCP": 0x20,
	"EXIF": 0x08,
	"XMP ": 0x04,
}

const webpAlphaFlag = 0x10

// ReadMetadata captures the metadata blocks of an encoded image.
// Formats without metadata support yield an empty, non nil Metadata.
func ReadMetadata(ext string, buf []byte) (*Metadata, error) {
	md := &Metadata{format: canonicalFormat(ext)}

	var err error
	switch md.format {
	case "jpg":
		md.blocks, md.jfif, err = readJPEGSegments(buf)
	case "png":
		md.blocks, err = readPNGChunks(buf)
	case "gif":
		md.blocks, err = readGIFExtensions(buf)
	case "webp":
		md.blocks, err = readWebPChunks(buf)
	}
	if err != nil {
		return nil, err
	}

	return md, nil
}

// EmbedMetadata returns encoded with md's blocks spliced in. When md
// is empty or was captured from another format, encoded is returned
// untouched.
func EmbedMetadata(ext string, encoded []byte, md *Metadata) ([]byte, error) {
	if md.empty() || md.format != canonicalFormat(ext) {
		return encoded, nil
	}

	switch md.format {
	case "jpg":
		return embedJPEG(encoded, md)

	case "png":
		// IHDR always is the first chunk: 8 bytes signature +
		// 4 len + 4 type + 13 data + 4 crc
		ihdrEnd := len(pngSignature) + 25
		if len(encoded) < ihdrEnd || !bytes.HasPrefix(encoded, pngSignature) {
			return nil, ErrMalformedPNG
		}
		return splice(encoded, ihdrEnd, md.blocks), nil

	case "gif":
		if !isGIF(encoded) {
			return nil, ErrMalformedGIF
		}
		at := gifHeaderLen + gifColorTableLen(encoded[10])
		if at > len(encoded) {
			return nil, ErrMalformedGIF
		}
		return splice(encoded, at, md.blocks), nil

	case "webp":
		return embedWebP(encoded, md.blocks)
	}

	return encoded, nil
}

func splice(encoded []byte, at int, blocks [][]byte) []byte {
	size := len(encoded)
	for _, b := range blocks {
		size += len(b)
	}

	out := make([]byte, 0, size)
	out = append(out, encoded[:at]...)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return append(out, encoded[at:]...)
}

// Collects APP1..APP13, APP15 and COM segments, markers included,
// until the start of scan. APP0 (JFIF) and APP14 (Adobe) describe
// the original encoding and are not carried over, except for the
// JFIF pixel density.
func readJPEGSegments(buf []byte) ([][]byte, []byte, error) {
	if len(buf) < 2 || buf[0] != 0xff || buf[1] != jpegMarkerSOI {
		return nil, nil, ErrMalformedJPEG
	}

	var segments [][]byte
	var jfif []byte
	pos := 2
	for pos+4 <= len(buf) {
		if buf[pos] != 0xff {
			return nil, nil, fmt.Errorf("%w: expected marker at %d", ErrMalformedJPEG, pos)
		}

		marker := buf[pos+1]
		if marker == 0xff {
			// Fill byte
			pos++
			continue
		}
		if marker == jpegMarkerSOS {
			break
		}

		segLen := int(binary.BigEndian.Uint16(buf[pos+2 : pos+4]))
		end := pos + 2 + segLen
		if segLen < 2 || end > len(buf) {
			return nil, nil, fmt.Errorf("%w: truncated segment at %d", ErrMalformedJPEG, pos)
		}

		isApp := marker > jpegMarkerAPP0 && marker <= jpegMarkerAPP15 && marker != jpegMarkerAPP14
		switch {
		case isApp || marker == jpegMarkerCOM:
			segments = append(segments, bytes.Clone(buf[pos:end]))
		case marker == jpegMarkerAPP0 && jfif == nil && isJFIF(buf[pos:end]):
			jfif = make([]byte, jfifSegmentLen)
			copy(jfif, buf[pos:pos+jfifSegmentLen-2])
			binary.BigEndian.PutUint16(jfif[2:4], jfifSegmentLen-2)
		}
		pos = end
	}

	return segments, jfif, nil
}

func isJFIF(segment []byte) bool {
	return len(segment) >= jfifSegmentLen && bytes.HasPrefix(segment[4:], jfifIdentifier)
}

// Inserts segments after SOI, or after the APP0 segment when the
// encoder wrote one, as JFIF requires APP0 to come first.
func embedJPEG(encoded []byte, md *Metadata) ([]byte, error) {
	if len(encoded) < 2 || encoded[0] != 0xff || encoded[1] != jpegMarkerSOI {
		return nil, ErrMalformedJPEG
	}

	out := encoded
	at := 2
	blocks := md.blocks

	hasAPP0 := len(encoded) >= 6 && encoded[2] == 0xff && encoded[3] == jpegMarkerAPP0
	switch {
	case hasAPP0:
		app0End := 4 + int(binary.BigEndian.Uint16(encoded[4:6]))
		if app0End > len(encoded) {
			return nil, ErrMalformedJPEG
		}
		if md.jfif != nil && isJFIF(encoded[2:app0End]) {
			out = bytes.Clone(encoded)
			copy(
				out[2+jfifDensityAt:2+jfifDensityAt+jfifDensityLen],
				md.jfif[jfifDensityAt:jfifDensityAt+jfifDensityLen],
			)
		}
		at = app0End
	case md.jfif != nil:
		blocks = append([][]byte{md.jfif}, blocks...)
	}

	return splice(out, at, blocks), nil
}

// Collects kept ancillary chunks, length and crc included.
func readPNGChunks(buf []byte) ([][]byte, error) {
	if !bytes.HasPrefix(buf, pngSignature) {
		return nil, ErrMalformedPNG
	}

	var chunks [][]byte
	pos := len(pngSignature)
	for pos+8 <= len(buf) {
		dataLen := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
		chunkType := string(buf[pos+4 : pos+8])
		end := pos + 12 + dataLen
		if dataLen < 0 || end > len(buf) {
			return nil, fmt.Errorf("%w: truncated %s chunk at %d", ErrMalformedPNG, chunkType, pos)
		}

		if pngKeptChunks[chunkType] {
			chunks = append(chunks, bytes.Clone(buf[pos:end]))
		}
		if chunkType == "IEND" {
			break
		}
		pos = end
	}

	return chunks, nil
}

func isGIF(buf []byte) bool {
	return len(buf) >= gifHeaderLen &&
		(bytes.HasPrefix(buf, []byte("GIF87a")) || bytes.HasPrefix(buf, []byte("GIF89a")))
}

// Size in bytes of the color table announced by a packed field
func gifColorTableLen(packed byte) int {
	if packed&0x80 == 0 {
		return 0
	}
	return 3 << ((packed & 0x07) + 1)
}

// Returns the position right after the block terminator of the data
// sub-blocks starting at pos.
func skipGIFSubBlocks(buf []byte, pos int) (int, error) {
	for {
		if pos >= len(buf) {
			return 0, fmt.Errorf("%w: truncated sub-blocks", ErrMalformedGIF)
		}
		n := int(buf[pos])
		pos++
		if n == 0 {
			return pos, nil
		}
		pos += n
	}
}

// Collects comment and non animation application extensions of
// every frame, introducer and terminator included.
func readGIFExtensions(buf []byte) ([][]byte, error) {
	if !isGIF(buf) {
		return nil, ErrMalformedGIF
	}

	var exts [][]byte
	pos := gifHeaderLen + gifColorTableLen(buf[10])
	for pos < len(buf) {
		switch buf[pos] {
		case gifTrailer:
			return exts, nil

		case gifExtIntroducer:
			if pos+2 > len(buf) {
				return nil, fmt.Errorf("%w: truncated extension at %d", ErrMalformedGIF, pos)
			}
			label := buf[pos+1]
			end, err := skipGIFSubBlocks(buf, pos+2)
			if err != nil {
				return nil, err
			}

			keep := label == gifLabelComment ||
				(label == gifLabelApplication && !isGIFAnimationApp(buf[pos+2:end]))
			if keep {
				exts = append(exts, bytes.Clone(buf[pos:end]))
			}
			pos = end

		case gifImageSeparator:
			// Descriptor, optional local color table, LZW code size
			if pos+10 > len(buf) {
				return nil, fmt.Errorf("%w: truncated image descriptor at %d", ErrMalformedGIF, pos)
			}
			pos += 10 + gifColorTableLen(buf[pos+9]) + 1
			end, err := skipGIFSubBlocks(buf, pos)
			if err != nil {
				return nil, err
			}
			pos = end

		default:
			return nil, fmt.Errorf("%w: unexpected block 0x%02x at %d", ErrMalformedGIF, buf[pos], pos)
		}
	}

	return nil, fmt.Errorf("%w: missing trailer", ErrMalformedGIF)
}

func isGIFAnimationApp(subBlocks []byte) bool {
	if len(subBlocks) < 12 || subBlocks[0] != 11 {
		return false
	}
	return gifAnimationApps[string(subBlocks[1:12])]
}

type webpChunk struct {
	fourCC string

	// Header, payload and padding byte
	raw []byte
}

func readWebPChunkList(buf []byte) ([]webpChunk, error) {
	if len(buf) < 12 || string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WEBP" {
		return nil, ErrMalformedWebP
	}

	var chunks []webpChunk
	pos := 12
	for pos+8 <= len(buf) {
		fourCC := string(buf[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(buf[pos+4 : pos+8]))
		end := pos + 8 + size
		if size < 0 || end > len(buf) {
			return nil, fmt.Errorf("%w: truncated %s chunk at %d", ErrMalformedWebP, fourCC, pos)
		}

		raw := bytes.Clone(buf[pos:end])
		if size%2 == 1 {
			// Some encoders omit the padding of the last chunk
			raw = append(raw, 0)
			end++
		}
		chunks = append(chunks, webpChunk{fourCC: fourCC, raw: raw})
		pos = end
	}

	return chunks, nil
}

// Collects ICCP, EXIF and XMP chunks, header and padding included.
func readWebPChunks(buf []byte) ([][]byte, error) {
	chunks, err := readWebPChunkList(buf)
	if err != nil {
		return nil, err
	}

	var kept [][]byte
	for _, c := range chunks {
		if _, ok := webpKeptChunks[c.fourCC]; ok {
			kept = append(kept, c.raw)
		}
	}

	return kept, nil
}

// Rebuilds encoded as an extended webp: VP8X, ICCP, image chunks,
// then EXIF and XMP, with the VP8X feature flags set accordingly.
func embedWebP(encoded []byte, blocks [][]byte) ([]byte, error) {
	chunks, err := readWebPChunkList(encoded)
	if err != nil {
		return nil, err
	}

	var flags byte
	var iccp, trailing [][]byte
	for _, b := range blocks {
		fourCC := string(b[:4])
		flags |= webpKeptChunks[fourCC]
		if fourCC == "ICCP" {
			iccp = append(iccp, b)
		} else {
			trailing = append(trailing, b)
		}
	}

	var vp8x []byte
	var frames [][]byte
	for _, c := range chunks {
		switch _, isMetadata := webpKeptChunks[c.fourCC]; {
		case c.fourCC == "VP8X":
			vp8x = c.raw
		case isMetadata:
			// Replaced by the source ones
		default:
			frames = append(frames, c.raw)
		}
	}

	if vp8x == nil {
		vp8x, err = newVP8X(chunks)
		if err != nil {
			return nil, err
		}
	}
	vp8x[8] |= flags

	out := []byte("RIFF\x00\x00\x00\x00WEBP")
	out = append(out, vp8x...)
	for _, group := range [][][]byte{iccp, frames, trailing} {
		for _, b := range group {
			out = append(out, b...)
		}
	}
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))

	return out, nil
}

// Builds the VP8X chunk of a simple format webp, taking the canvas
// size from its VP8 or VP8L bitstream header.
func newVP8X(chunks []webpChunk) ([]byte, error) {
	var width, height int
	var alpha bool

	for _, c := range chunks {
		payload := c.raw[8:]
		switch c.fourCC {
		case "VP8 ":
			if len(payload) < 10 || !bytes.Equal(payload[3:6], []byte{0x9d, 0x01, 0x2a}) {
				return nil, fmt.Errorf("%w: bad VP8 frame header", ErrMalformedWebP)
			}
			width = int(binary.LittleEndian.Uint16(payload[6:8]) & 0x3fff)
			height = int(binary.LittleEndian.Uint16(payload[8:10]) & 0x3fff)
		case "VP8L":
			if len(payload) < 5 || payload[0] != 0x2f {
				return nil, fmt.Errorf("%w: bad VP8L header", ErrMalformedWebP)
			}
			bits := binary.LittleEndian.Uint32(payload[1:5])
			width = int(bits&0x3fff) + 1
			height = int((bits>>14)&0x3fff) + 1
			alpha = bits&(1<<28) != 0
		case "ALPH":
			alpha = true
		}
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: no image chunk", ErrMalformedWebP)
	}

	vp8x := make([]byte, 18)
	copy(vp8x, "VP8X")
	binary.LittleEndian.PutUint32(vp8x[4:8], 10)
	if alpha {
		vp8x[8] = webpAlphaFlag
	}
	putUint24LE(vp8x[12:15], width-1)
	putUint24LE(vp8x[15:18], height-1)

	return vp8x, nil
}

func putUint24LE(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
