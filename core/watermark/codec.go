package watermark

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"brandmark/core/container"
	"brandmark/core/formats"
	"brandmark/core/recovery"

	"github.com/disintegration/imaging"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// fallback raster size for svg files without width, height or viewBox
const defaultVectorSize = 512

func decodeRaster(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// rasterizeSVG renders svg markup into an RGBA canvas. Zero width or height
// falls back to the viewBox, then to a square default.
func rasterizeSVG(data []byte, width, height int) (*image.NRGBA, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, recovery.New(recovery.CategoryCorruption, "parse svg", "", err)
	}
	if width <= 0 || height <= 0 {
		width, height = int(icon.ViewBox.W+0.5), int(icon.ViewBox.H+0.5)
	}
	if width <= 0 || height <= 0 {
		width, height = defaultVectorSize, defaultVectorSize
	}
	icon.SetTarget(0, 0, float64(width), float64(height))
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	scanner := rasterx.NewScannerGV(width, height, canvas, canvas.Bounds())
	icon.Draw(rasterx.NewDasher(width, height, scanner), 1)
	return imaging.Clone(canvas), nil
}

// matchLayout converts out back to the pixel layout of src: gray stays gray
// and paletted images keep their palette.
func matchLayout(out *image.NRGBA, src image.Image) image.Image {
	b := out.Bounds()
	switch s := src.(type) {
	case *image.Gray:
		g := image.NewGray(b)
		draw.Draw(g, b, out, b.Min, draw.Src)
		return g
	case *image.Gray16:
		g := image.NewGray16(b)
		draw.Draw(g, b, out, b.Min, draw.Src)
		return g
	case *image.Paletted:
		p := image.NewPaletted(b, s.Palette)
		draw.FloydSteinberg.Draw(p, b, out, b.Min)
		return p
	}
	return out
}

// encode writes img in format. Vector input is written as png.
func encode(img image.Image, format formats.Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case formats.JPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case formats.PNG, formats.SVG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	case formats.GIF:
		opts := &gif.Options{NumColors: 256}
		if p, ok := img.(*image.Paletted); ok {
			opts.NumColors = len(p.Palette)
		}
		err = gif.Encode(&buf, img, opts)
	case formats.BMP:
		err = bmp.Encode(&buf, img)
	case formats.TIFF:
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	case formats.WebP:
		return encodeWebP(img)
	default:
		return nil, recovery.New(recovery.CategoryFormat, "encode", "", fmt.Errorf("%w: %s", recovery.ErrUnsupportedFormat, format))
	}
	if err != nil {
		return nil, recovery.New(recovery.CategoryFunctionality, "encode", "", err)
	}
	return buf.Bytes(), nil
}

// carryExif copies the EXIF APP1 segment of original into encoded
func carryExif(original, encoded []byte) ([]byte, bool, error) {
	seg, ok := container.ExifSegment(original)
	if !ok {
		return encoded, false, nil
	}
	out, err := container.InsertSegment(encoded, seg)
	if err != nil {
		return encoded, false, err
	}
	return out, true, nil
}

// outputFormat container format the encoded bytes will have
func outputFormat(content formats.Format) formats.Format {
	if content == formats.SVG {
		return formats.PNG
	}
	return content
}
