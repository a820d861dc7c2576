package watermark

import (
	"image"
	"math"
	"unicode/utf8"

	"brandmark/config"
)

const (
	charWidthRatio  = 0.6
	lineHeightRatio = 1.2
	fontFloor       = 8
)

// Ratios consistency policy ratios
type Ratios struct {
	FontSize float64
	Padding  float64
}

// Geometry placement of the watermark box inside an image
type Geometry struct {
	FontSize int
	Padding  int
	Inner    int
	Box      image.Rectangle
	Position config.Position
}

// ComputeGeometry derives font size, padding and box placement from the image
// size. Font size is width times the font ratio clamped to the style's
// [MinFontSize, FontSize]; padding is the larger of the style padding and the
// padding ratio of the shorter side. A box that does not fit shrinks its font.
func ComputeGeometry(width, height int, style config.Style, ratios Ratios) Geometry {
	runes := utf8.RuneCountInString(style.Text)
	font := int(math.Round(float64(width) * ratios.FontSize))
	font = max(style.MinFontSize, min(style.FontSize, font))

	shorter := min(width, height)
	padding := max(style.Padding, int(math.Round(float64(shorter)*ratios.Padding)))

	boxW, boxH, inner := boxSize(runes, font)
	for (boxW+2*padding > width || boxH+2*padding > height) && font > fontFloor {
		font--
		boxW, boxH, inner = boxSize(runes, font)
	}
	if boxW+2*padding > width || boxH+2*padding > height {
		padding = max(0, min((width-boxW)/2, (height-boxH)/2))
	}

	position := style.Position
	if !position.Valid() {
		position = config.BottomRight
	}
	var x, y int
	switch position {
	case config.BottomLeft:
		x, y = padding, height-padding-boxH
	case config.TopRight:
		x, y = width-padding-boxW, padding
	case config.TopLeft:
		x, y = padding, padding
	default:
		x, y = width-padding-boxW, height-padding-boxH
	}
	box := image.Rect(x, y, x+boxW, y+boxH).Intersect(image.Rect(0, 0, width, height))

	return Geometry{FontSize: font, Padding: padding, Inner: inner, Box: box, Position: position}
}

func boxSize(runes, font int) (w, h, inner int) {
	inner = font / 4
	w = int(math.Ceil(float64(runes)*float64(font)*charWidthRatio)) + 2*inner
	h = int(math.Ceil(float64(font)*lineHeightRatio)) + inner
	return w, h, inner
}

// Record consistency ratios for an image of the given size
func (g Geometry) Record(path string, width, height int) ConsistencyRecord {
	shorter := float64(min(width, height))
	w, h := float64(width), float64(height)
	return ConsistencyRecord{
		Path:           path,
		Width:          width,
		Height:         height,
		FontSize:       g.FontSize,
		Padding:        g.Padding,
		FontSizeRatio:  float64(g.FontSize) / w,
		PaddingRatio:   float64(g.Padding) / shorter,
		ScaleFactor:    float64(g.Box.Dx()) / w,
		PositionRatioX: (float64(g.Box.Min.X) + float64(g.Box.Dx())/2) / w,
		PositionRatioY: (float64(g.Box.Min.Y) + float64(g.Box.Dy())/2) / h,
	}
}
