package recovery

import (
	"context"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"io/fs"
	"os"
	"strings"
	"syscall"
)

// messageRules fallback for errors from codecs and file-system calls that do
// not carry a category. Order matters: the first matching rule wins.
var messageRules = []struct {
	category Category
	needles  []string
}{
	{CategoryMemory, []string{"out of memory", "cannot allocate", "allocation failed", "memory limit"}},
	{CategoryPermission, []string{"permission denied", "access denied", "operation not permitted", "read-only file system", "eacces", "eperm"}},
	{CategoryStorage, []string{"no space left", "disk full", "quota exceeded", "enospc"}},
	{CategoryNetwork, []string{"timeout", "timed out", "connection reset", "connection refused", "network", "econnreset", "etimedout", "broken pipe"}},
	{CategoryFormat, []string{"unsupported", "unknown format", "not supported", "unrecognized"}},
	{CategoryCorruption, []string{"corrupt", "truncated", "unexpected eof", "checksum", "malformed", "invalid", "bad huffman", "missing ihdr"}},
}

// Classify maps err to a category. A category attached at the point of failure
// wins; otherwise well-known sentinel and errno values are checked, then the
// message text.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if c := CategoryOf(err); c != CategoryUnknown {
		return c
	}

	switch {
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, image.ErrFormat):
		return CategoryFormat
	case errors.Is(err, ErrEmptyFile), errors.Is(err, fs.ErrNotExist):
		return CategoryIntegrity
	case errors.Is(err, ErrInsufficientSpace), errors.Is(err, syscall.ENOSPC):
		return CategoryStorage
	case errors.Is(err, ErrPreservation):
		return CategoryPreservation
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return CategoryPermission
	case errors.Is(err, syscall.ENOMEM):
		return CategoryMemory
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, syscall.EPIPE),
		errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return CategoryNetwork
	case errors.Is(err, io.ErrUnexpectedEOF):
		return CategoryCorruption
	}

	var jpegFormat jpeg.FormatError
	var pngFormat png.FormatError
	if errors.As(err, &jpegFormat) || errors.As(err, &pngFormat) {
		return CategoryCorruption
	}
	var jpegUnsupported jpeg.UnsupportedError
	var pngUnsupported png.UnsupportedError
	if errors.As(err, &jpegUnsupported) || errors.As(err, &pngUnsupported) {
		return CategoryFormat
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}
