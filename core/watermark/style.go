package watermark

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"brandmark/config"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
)

const (
	darkLuminance      = 0.35
	lightLuminance     = 0.65
	lowContrast        = 0.08
	highContrast       = 0.25
	highContrastFactor = 1.5
)

// ParseColor parses "#RRGGBB", "#RRGGBBAA", "#RGB", "rgb(r,g,b)" and
// "rgba(r,g,b,a)" with a in [0,1].
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case strings.HasPrefix(s, "#"):
		alpha := uint8(255)
		hex := s
		if len(s) == 9 {
			a, err := strconv.ParseUint(s[7:], 16, 8)
			if err != nil {
				return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
			}
			alpha = uint8(a)
			hex = s[:7]
		}
		c, err := colorful.Hex(hex)
		if err != nil {
			return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
		}
		r, g, b := c.RGB255()
		return color.NRGBA{R: r, G: g, B: b, A: alpha}, nil
	case strings.HasPrefix(s, "rgba(") || strings.HasPrefix(s, "rgb("):
		open, end := strings.IndexByte(s, '('), strings.LastIndexByte(s, ')')
		if end < open {
			return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
		}
		parts := strings.Split(s[open+1:end], ",")
		if len(parts) != 3 && len(parts) != 4 {
			return color.NRGBA{}, fmt.Errorf("invalid color %q: want 3 or 4 components", s)
		}
		var rgb [3]uint8
		for i := 0; i < 3; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
			if err != nil || v < 0 || v > 255 {
				return color.NRGBA{}, fmt.Errorf("invalid color %q: component %d", s, i)
			}
			rgb[i] = uint8(math.Round(v))
		}
		alpha := 1.0
		if len(parts) == 4 {
			a, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
			if err != nil || a < 0 || a > 1 {
				return color.NRGBA{}, fmt.Errorf("invalid color %q: alpha", s)
			}
			alpha = a
		}
		return color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: uint8(math.Round(alpha * 255))}, nil
	}
	return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
}

// Background luminance statistics of a region, in CIE L* scaled to [0,1]
type Background struct {
	Luminance float64 `json:"luminance"`
	Contrast  float64 `json:"contrast"`
}

// AnalyzeBackground mean and standard deviation of lightness inside rect
func AnalyzeBackground(img image.Image, rect image.Rectangle) Background {
	region := imaging.Crop(img, rect)
	n := 0
	var sum, sumSq float64
	for i := 0; i+3 < len(region.Pix); i += 4 {
		c := colorful.Color{
			R: float64(region.Pix[i]) / 255,
			G: float64(region.Pix[i+1]) / 255,
			B: float64(region.Pix[i+2]) / 255,
		}
		l, _, _ := c.Lab()
		sum += l
		sumSq += l * l
		n++
	}
	if n == 0 {
		return Background{}
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return Background{Luminance: mean, Contrast: math.Sqrt(variance)}
}

// Applied style actually used for one image
type Applied struct {
	Fill         color.NRGBA `json:"-"`
	Shadow       color.NRGBA `json:"-"`
	ShadowBlur   float64     `json:"shadowBlur"`
	ShadowOffset int         `json:"shadowOffset"`
	Outline      bool        `json:"outline"`
	OutlineColor color.NRGBA `json:"-"`
	OutlineWidth int         `json:"outlineWidth,omitempty"`
	Background   Background  `json:"background"`
	Adjustments  []string    `json:"adjustments,omitempty"`
}

// AdaptStyle starts from the configured colors and adjusts them for the
// background under the watermark box.
func AdaptStyle(style config.Style, fontSize int, bg Background) (Applied, error) {
	fill, err := ParseColor(style.Color)
	if err != nil {
		return Applied{}, err
	}
	shadow, err := ParseColor(style.Shadow.Color)
	if err != nil {
		return Applied{}, err
	}
	applied := Applied{
		Fill:         fill,
		Shadow:       shadow,
		ShadowBlur:   style.Shadow.Blur,
		ShadowOffset: max(1, int(math.Round(float64(fontSize)/24))),
		Background:   bg,
	}

	if bg.Luminance < darkLuminance {
		applied.Fill.A = maxAlpha(applied.Fill.A, 0.95)
		applied.Shadow.A = maxAlpha(applied.Shadow.A, 0.7)
		applied.Adjustments = append(applied.Adjustments, "dark-background")
	}
	if bg.Luminance > lightLuminance || bg.Contrast < lowContrast {
		applied.Outline = true
		applied.OutlineWidth = max(1, fontSize/24)
		applied.OutlineColor = color.NRGBA{A: uint8(math.Round(0.6 * 255))}
		applied.Adjustments = append(applied.Adjustments, "outline")
	}
	if bg.Contrast > highContrast {
		applied.ShadowBlur *= highContrastFactor
		applied.ShadowOffset = int(math.Ceil(float64(applied.ShadowOffset) * highContrastFactor))
		applied.Adjustments = append(applied.Adjustments, "high-contrast")
	}
	return applied, nil
}

func maxAlpha(current uint8, floor float64) uint8 {
	f := uint8(math.Round(floor * 255))
	if current > f {
		return current
	}
	return f
}
