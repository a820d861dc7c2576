//go:build !webp

package watermark

import (
	"fmt"
	"image"

	"brandmark/core/recovery"
)

// encodeWebP needs libwebp; build with -tags webp
func encodeWebP(image.Image) ([]byte, error) {
	return nil, recovery.New(recovery.CategoryFormat, "encode webp", "",
		fmt.Errorf("%w: webp encoding not compiled in", recovery.ErrUnsupportedFormat))
}
