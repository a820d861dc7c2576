package watermark

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/anthonynsimon/bild/blur"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var (
	regularOnce sync.Once
	regularFont *opentype.Font
	regularErr  error
)

func loadFont() (*opentype.Font, error) {
	regularOnce.Do(func() {
		regularFont, regularErr = opentype.Parse(goregular.TTF)
	})
	return regularFont, regularErr
}

// RenderTile draws text into a transparent tile the size of the geometry box:
// blurred shadow first, then the outline, then the fill.
func RenderTile(text string, g Geometry, st Applied) (*image.NRGBA, error) {
	f, err := loadFont()
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: float64(g.FontSize), DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("font face: %w", err)
	}
	defer face.Close()

	w, h := g.Box.Dx(), g.Box.Dy()
	tile := image.NewNRGBA(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return tile, nil
	}

	measured := font.MeasureString(face, text).Ceil()
	x := max(0, (w-measured)/2)
	metrics := face.Metrics()
	y := (h-metrics.Ascent.Ceil()-metrics.Descent.Ceil())/2 + metrics.Ascent.Ceil()

	if st.Shadow.A > 0 {
		layer := image.NewNRGBA(tile.Rect)
		drawText(layer, face, text, x+st.ShadowOffset, y+st.ShadowOffset, st.Shadow)
		var shadow image.Image = layer
		if st.ShadowBlur > 0 {
			shadow = blur.Gaussian(layer, st.ShadowBlur)
		}
		draw.Draw(tile, tile.Rect, shadow, image.Point{}, draw.Over)
	}

	if st.Outline {
		for ox := -st.OutlineWidth; ox <= st.OutlineWidth; ox++ {
			for oy := -st.OutlineWidth; oy <= st.OutlineWidth; oy++ {
				if ox == 0 && oy == 0 {
					continue
				}
				drawText(tile, face, text, x+ox, y+oy, st.OutlineColor)
			}
		}
	}

	drawText(tile, face, text, x, y, st.Fill)
	return tile, nil
}

func drawText(dst draw.Image, face font.Face, text string, x, y int, c color.NRGBA) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: face, Dot: fixed.P(x, y)}
	d.DrawString(text)
}

// Composite overlays tile onto img at the box origin
func Composite(img image.Image, tile image.Image, g Geometry) *image.NRGBA {
	return imaging.Overlay(img, tile, g.Box.Min, 1.0)
}
