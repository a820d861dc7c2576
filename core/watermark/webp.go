//go:build webp

package watermark

import (
	"bytes"
	"image"

	"brandmark/core/recovery"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
)

// encodeWebP lossless libwebp encode
func encodeWebP(img image.Image) ([]byte, error) {
	options, err := encoder.NewLosslessEncoderOptions(encoder.PresetDefault, 75)
	if err != nil {
		return nil, recovery.New(recovery.CategoryFunctionality, "webp options", "", err)
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, options); err != nil {
		return nil, recovery.New(recovery.CategoryFunctionality, "encode webp", "", err)
	}
	return buf.Bytes(), nil
}
