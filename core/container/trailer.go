package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// BMP and TIFF have no comment block the stock encoders can write, so the
// marker trails the image data: payload, big-endian payload length, magic.
// Decoders read BMP sequentially and TIFF by offset, so neither sees it.

var trailerMagic = []byte("BMRK")

const trailerFooter = 8

func appendTrailer(data, payload []byte) []byte {
	out := make([]byte, 0, len(data)+len(payload)+trailerFooter)
	out = append(out, data...)
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	return append(out, trailerMagic...)
}

func trailerValue(data []byte) ([]byte, bool) {
	if len(data) < trailerFooter || !bytes.HasSuffix(data, trailerMagic) {
		return nil, false
	}
	n := int(binary.BigEndian.Uint32(data[len(data)-trailerFooter:]))
	start := len(data) - trailerFooter - n
	if n <= 0 || start < 0 {
		return nil, false
	}
	return data[start : len(data)-trailerFooter], true
}

// WebP

var webpChunkID = []byte("BMRK")

const riffHeader = 12

func isWebP(data []byte) bool {
	return len(data) >= riffHeader && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP"))
}

// insertWebPChunk appends a private chunk inside the RIFF list and fixes the
// RIFF size. The decoder returns at the image chunk, ahead of it.
func insertWebPChunk(data, payload []byte) ([]byte, error) {
	if !isWebP(data) {
		return nil, fmt.Errorf("not a webp container")
	}
	body := int(binary.LittleEndian.Uint32(data[4:8])) + 8
	if body > len(data) {
		return nil, fmt.Errorf("webp riff size %d exceeds file size %d", body, len(data))
	}
	out := make([]byte, 0, body+8+len(payload)+1)
	out = append(out, data[:body]...)
	out = append(out, webpChunkID...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	if len(payload)%2 == 1 {
		out = append(out, 0)
	}
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))
	return out, nil
}

func webpChunks(data []byte, id []byte) [][]byte {
	if !isWebP(data) {
		return nil
	}
	end := min(len(data), int(binary.LittleEndian.Uint32(data[4:8]))+8)
	var values [][]byte
	for off := riffHeader; off+8 <= end; {
		n := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		next := off + 8 + n
		if n < 0 || next > end {
			break
		}
		if bytes.Equal(data[off:off+4], id) {
			values = append(values, data[off+8:next])
		}
		off = next + n%2
	}
	return values
}
