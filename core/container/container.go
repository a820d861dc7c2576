// Package container edits image files at the chunk/segment level without
// re-encoding pixel data.
package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"brandmark/core/formats"
)

// MarkerPrefix prefixes the watermark marker stored in a container comment
const MarkerPrefix = "brandmark:"

// ErrNoMarkerSupport the format has no comment block the marker can live in
var ErrNoMarkerSupport = errors.New("format cannot carry a marker")

var (
	pngSignature   = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	jpegExifHeader = []byte("Exif\x00\x00")
	pngKeyword     = []byte("Comment")
)

// EmbedMarker returns data with a marker comment carrying text inserted.
func EmbedMarker(format formats.Format, data []byte, text string) ([]byte, error) {
	payload := []byte(MarkerPrefix + text)
	switch format {
	case formats.PNG:
		return insertPNGText(data, payload)
	case formats.JPEG:
		return insertJPEGComment(data, payload)
	case formats.GIF:
		return insertGIFComment(data, payload)
	case formats.WebP:
		return insertWebPChunk(data, payload)
	case formats.BMP, formats.TIFF:
		return appendTrailer(data, payload), nil
	default:
		return data, ErrNoMarkerSupport
	}
}

// ReadMarker returns the marker text stored in data, if any.
func ReadMarker(format formats.Format, data []byte) (string, bool) {
	var comments [][]byte
	switch format {
	case formats.PNG:
		comments = pngTextValues(data)
	case formats.JPEG:
		for _, seg := range jpegSegments(data) {
			if seg.marker == 0xFE {
				comments = append(comments, data[seg.payload:seg.end])
			}
		}
	case formats.GIF:
		comments = gifComments(data)
	case formats.WebP:
		comments = webpChunks(data, webpChunkID)
	case formats.BMP, formats.TIFF:
		if v, ok := trailerValue(data); ok {
			comments = append(comments, v)
		}
	}
	for _, c := range comments {
		if bytes.HasPrefix(c, []byte(MarkerPrefix)) {
			return string(c[len(MarkerPrefix):]), true
		}
	}
	return "", false
}

// PNG

type pngChunk struct {
	typ        string
	start, end int
	dataStart  int
	dataEnd    int
}

func pngChunks(data []byte) []pngChunk {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil
	}
	var chunks []pngChunk
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		end := pos + 12 + length
		if end > len(data) {
			break
		}
		chunks = append(chunks, pngChunk{typ: typ, start: pos, end: end, dataStart: pos + 8, dataEnd: pos + 8 + length})
		pos = end
		if typ == "IEND" {
			break
		}
	}
	return chunks
}

func pngTextValues(data []byte) [][]byte {
	var out [][]byte
	for _, c := range pngChunks(data) {
		if c.typ != "tEXt" {
			continue
		}
		body := data[c.dataStart:c.dataEnd]
		if idx := bytes.IndexByte(body, 0); idx > 0 {
			out = append(out, body[idx+1:])
		}
	}
	return out
}

func insertPNGText(data, text []byte) ([]byte, error) {
	chunks := pngChunks(data)
	if len(chunks) == 0 || chunks[0].typ != "IHDR" {
		return nil, fmt.Errorf("png: missing IHDR")
	}
	body := make([]byte, 0, len(pngKeyword)+1+len(text))
	body = append(body, pngKeyword...)
	body = append(body, 0)
	body = append(body, text...)

	chunk := make([]byte, 12+len(body))
	binary.BigEndian.PutUint32(chunk[0:4], uint32(len(body)))
	copy(chunk[4:8], "tEXt")
	copy(chunk[8:], body)
	binary.BigEndian.PutUint32(chunk[8+len(body):], crc32.ChecksumIEEE(chunk[4:8+len(body)]))

	at := chunks[0].end
	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:at]...)
	out = append(out, chunk...)
	return append(out, data[at:]...), nil
}

// JPEG

type jpegSegment struct {
	marker     byte
	start, end int
	payload    int
}

// jpegSegments walks marker segments from SOI up to, not including, SOS.
func jpegSegments(data []byte) []jpegSegment {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil
	}
	var segs []jpegSegment
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			break
		}
		marker := data[pos+1]
		if marker == 0xFF {
			pos++
			continue
		}
		if marker == 0xDA || marker == 0xD9 {
			break
		}
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			pos += 2
			continue
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		end := pos + 2 + segLen
		if segLen < 2 || end > len(data) {
			break
		}
		segs = append(segs, jpegSegment{marker: marker, start: pos, end: end, payload: pos + 4})
		pos = end
	}
	return segs
}

// jpegInsertionPoint first offset after SOI and any leading APPn segments
func jpegInsertionPoint(data []byte) int {
	at := 2
	for _, seg := range jpegSegments(data) {
		if seg.marker < 0xE0 || seg.marker > 0xEF {
			break
		}
		at = seg.end
	}
	return at
}

func jpegSegmentBytes(marker byte, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF-2 {
		return nil, fmt.Errorf("jpeg: segment payload too large (%d bytes)", len(payload))
	}
	seg := make([]byte, 4+len(payload))
	seg[0], seg[1] = 0xFF, marker
	binary.BigEndian.PutUint16(seg[2:4], uint16(len(payload)+2))
	copy(seg[4:], payload)
	return seg, nil
}

func insertJPEGComment(data, text []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("jpeg: missing SOI")
	}
	seg, err := jpegSegmentBytes(0xFE, text)
	if err != nil {
		return nil, err
	}
	at := jpegInsertionPoint(data)
	out := make([]byte, 0, len(data)+len(seg))
	out = append(out, data[:at]...)
	out = append(out, seg...)
	return append(out, data[at:]...), nil
}

// ExifSegment returns the raw APP1 Exif segment of a JPEG, header included.
func ExifSegment(data []byte) ([]byte, bool) {
	for _, seg := range jpegSegments(data) {
		if seg.marker == 0xE1 && bytes.HasPrefix(data[seg.payload:seg.end], jpegExifHeader) {
			return append([]byte(nil), data[seg.start:seg.end]...), true
		}
	}
	return nil, false
}

// InsertSegment places a raw JPEG segment right after SOI (and after an APP0
// JFIF segment when present).
func InsertSegment(data, segment []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("jpeg: missing SOI")
	}
	at := 2
	if segs := jpegSegments(data); len(segs) > 0 && segs[0].marker == 0xE0 {
		at = segs[0].end
	}
	out := make([]byte, 0, len(data)+len(segment))
	out = append(out, data[:at]...)
	out = append(out, segment...)
	return append(out, data[at:]...), nil
}

// GIF

func gifHeaderEnd(data []byte) (int, bool) {
	if len(data) < 13 || !(bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a"))) {
		return 0, false
	}
	at := 13
	packed := data[10]
	if packed&0x80 != 0 {
		at += 3 * (1 << ((packed & 0x07) + 1))
	}
	if at > len(data) {
		return 0, false
	}
	return at, true
}

func gifComments(data []byte) [][]byte {
	pos, ok := gifHeaderEnd(data)
	if !ok {
		return nil
	}
	var out [][]byte
	// only extensions ahead of the first image descriptor are examined
	for pos+2 <= len(data) && data[pos] == 0x21 {
		label := data[pos+1]
		pos += 2
		var body []byte
		for pos < len(data) {
			n := int(data[pos])
			pos++
			if n == 0 {
				break
			}
			if pos+n > len(data) {
				return out
			}
			body = append(body, data[pos:pos+n]...)
			pos += n
		}
		if label == 0xFE {
			out = append(out, body)
		}
	}
	return out
}

func insertGIFComment(data, text []byte) ([]byte, error) {
	at, ok := gifHeaderEnd(data)
	if !ok {
		return nil, fmt.Errorf("gif: bad header")
	}
	ext := []byte{0x21, 0xFE}
	for rest := text; len(rest) > 0; {
		n := len(rest)
		if n > 255 {
			n = 255
		}
		ext = append(ext, byte(n))
		ext = append(ext, rest[:n]...)
		rest = rest[n:]
	}
	ext = append(ext, 0x00)

	out := make([]byte, 0, len(data)+len(ext))
	out = append(out, data[:at]...)
	// comment extensions need GIF89a
	copy(out[3:6], "89a")
	out = append(out, ext...)
	return append(out, data[at:]...), nil
}
