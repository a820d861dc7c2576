//go:build ocr

package validation

import (
	"bytes"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
)

// OCRDetector reads text from the watermark corner with Tesseract
type OCRDetector struct {
	Text string
	Band Band
}

func newOCRDetector(text string) Detector {
	return OCRDetector{Text: text, Band: Band{RegionRatio: 0.25}}
}

func (OCRDetector) Name() string { return "ocr" }

func (d OCRDetector) Detect(s *Sample) (Detection, error) {
	if s.Format.IsVector() {
		return Detection{}, nil
	}
	img, err := s.Image()
	if err != nil {
		return Detection{}, err
	}
	region := imaging.Crop(img, d.Band.Region(img.Bounds(), BottomRightCorner))
	// tesseract reads small glyphs better when upscaled
	region = imaging.Resize(region, region.Rect.Dx()*2, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := png.Encode(&buf, region); err != nil {
		return Detection{}, err
	}

	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return Detection{}, err
	}
	text, err := client.Text()
	if err != nil {
		return Detection{}, err
	}

	want := normalizeOCR(d.Text)
	if want != "" && strings.Contains(normalizeOCR(text), want) {
		return Detection{Found: true, Confidence: 0.9}, nil
	}
	return Detection{}, nil
}

func normalizeOCR(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
