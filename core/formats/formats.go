// Package formats holds the supported image formats, their extensions and
// magic-number sniffing.
package formats

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format image container format
type Format string

const (
	JPEG    Format = "jpeg"
	PNG     Format = "png"
	GIF     Format = "gif"
	WebP    Format = "webp"
	BMP     Format = "bmp"
	TIFF    Format = "tiff"
	SVG     Format = "svg"
	Unknown Format = "unknown"
)

var extensions = map[string]Format{
	".jpg":  JPEG,
	".jpeg": JPEG,
	".png":  PNG,
	".gif":  GIF,
	".webp": WebP,
	".bmp":  BMP,
	".tif":  TIFF,
	".tiff": TIFF,
	".svg":  SVG,
}

// FromExtension format for a path's extension, Unknown when unsupported
func FromExtension(path string) Format {
	if f, ok := extensions[strings.ToLower(filepath.Ext(path))]; ok {
		return f
	}
	return Unknown
}

// Supported reports whether the path has a supported extension
func Supported(path string) bool {
	return FromExtension(path) != Unknown
}

// Extensions supported extensions, including the dot
func Extensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	return out
}

// IsVector reports whether f is a vector format
func (f Format) IsVector() bool { return f == SVG }

// SupportsAlpha reports whether f can carry an alpha channel
func (f Format) SupportsAlpha() bool {
	switch f {
	case PNG, GIF, WebP, BMP, TIFF, SVG:
		return true
	}
	return false
}

// HeaderSize bytes needed by Sniff
const HeaderSize = 512

// Sniff identifies a format from the leading bytes of a file.
func Sniff(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, []byte{0xFF, 0xD8, 0xFF}):
		return JPEG
	case bytes.HasPrefix(header, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return PNG
	case bytes.HasPrefix(header, []byte("GIF87a")), bytes.HasPrefix(header, []byte("GIF89a")):
		return GIF
	case len(header) >= 12 && bytes.HasPrefix(header, []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WEBP")):
		return WebP
	case bytes.HasPrefix(header, []byte("BM")) && len(header) >= 14:
		return BMP
	case bytes.HasPrefix(header, []byte{'I', 'I', 0x2A, 0x00}), bytes.HasPrefix(header, []byte{'M', 'M', 0x00, 0x2A}):
		return TIFF
	}
	if looksLikeSVG(header) {
		return SVG
	}
	return Unknown
}

func looksLikeSVG(header []byte) bool {
	trimmed := bytes.TrimLeft(header, "\xef\xbb\xbf \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte("<")) {
		return false
	}
	return bytes.Contains(bytes.ToLower(trimmed), []byte("<svg"))
}

// SniffFile reads the header of path and sniffs it
func SniffFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, err
	}
	defer f.Close()

	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Unknown, err
	}
	return Sniff(header[:n]), nil
}
