// Package validation checks image integrity and detects existing watermarks.
package validation

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"os"
	"regexp"
	"strconv"

	// registered decoders
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"brandmark/core/formats"
	"brandmark/core/recovery"

	"go.uber.org/zap"
)

// Metadata decoded image properties
type Metadata struct {
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	Format         formats.Format `json:"format"`
	DeclaredFormat formats.Format `json:"declaredFormat"`
	Channels       int            `json:"channels"`
	HasAlpha       bool           `json:"hasAlpha"`
	Frames         int            `json:"frames,omitempty"`
	HasExif        bool           `json:"hasExif,omitempty"`
	ExifTags       int            `json:"exifTags,omitempty"`
}

// Result outcome of ValidateImage
type Result struct {
	IsValid  bool      `json:"isValid"`
	Err      error     `json:"-"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// ErrorString error text, empty when valid
func (r Result) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Options detector configuration
type Options struct {
	Text         string
	Primary      Band
	Duplicate    Band
	EnableMarker bool
	EnableOCR    bool
}

// DefaultOptions default detector configuration for text
func DefaultOptions(text string) Options {
	return Options{
		Text:         text,
		Primary:      Band{RegionRatio: 0.2, Brightness: 200, MinFraction: 0.05, MaxFraction: 0.30},
		Duplicate:    Band{RegionRatio: 0.2, Brightness: 200, MinFraction: 0.03, MaxFraction: 0.35},
		EnableMarker: true,
	}
}

// Engine validates files and runs the watermark detector chain
type Engine struct {
	logger    *zap.Logger
	detectors []Detector
	duplicate Detector
}

// NewEngine builds the primary detector chain (marker, vector text, corner
// heuristic, then OCR when available) and the separate duplicate detector.
func NewEngine(logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	var chain []Detector
	if opts.EnableMarker {
		chain = append(chain, MarkerDetector{})
	}
	chain = append(chain,
		VectorTextDetector{Text: opts.Text},
		CornerDetector{Band: opts.Primary, Corners: []Corner{BottomRightCorner}},
	)
	if opts.EnableOCR {
		if ocr := newOCRDetector(opts.Text); ocr != nil {
			chain = append(chain, ocr)
		} else {
			logger.Warn("OCR detection requested but this build has no OCR support")
		}
	}
	return &Engine{
		logger:    logger,
		detectors: chain,
		duplicate: CornerDetector{Band: opts.Duplicate, Corners: AllCorners, Label: "duplicate-corners"},
	}
}

// WithDetectors replaces the primary chain
func (e *Engine) WithDetectors(detectors ...Detector) *Engine {
	e.detectors = detectors
	return e
}

// ValidateImage checks that path exists, is readable, non-empty, has a
// supported extension and decodes (rasters) or carries svg root tags (vectors).
func (e *Engine) ValidateImage(path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		return Result{Err: recovery.Wrap(recovery.Classify(err), "stat", path, err)}
	}
	if info.IsDir() {
		return Result{Err: recovery.New(recovery.CategoryIntegrity, "validate", path, fmt.Errorf("is a directory"))}
	}
	if info.Size() == 0 {
		return Result{Err: recovery.New(recovery.CategoryIntegrity, "validate", path, recovery.ErrEmptyFile)}
	}
	declared := formats.FromExtension(path)
	if declared == formats.Unknown {
		return Result{Err: recovery.New(recovery.CategoryFormat, "validate", path, recovery.ErrUnsupportedFormat)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Err: recovery.Wrap(recovery.Classify(err), "read", path, err)}
	}
	meta, err := Inspect(data, declared)
	if err != nil {
		return Result{Err: recovery.Wrap(recovery.Classify(err), "decode", path, err)}
	}
	return Result{IsValid: true, Metadata: meta}
}

var (
	svgOpen  = regexp.MustCompile(`(?i)<svg[\s>]`)
	svgClose = regexp.MustCompile(`(?i)</svg\s*>`)
	svgAttr  = regexp.MustCompile(`(?i)\s(width|height)\s*=\s*["']\s*([0-9.]+)`)
	svgView  = regexp.MustCompile(`(?i)viewBox\s*=\s*["']\s*[-0-9.]+[\s,]+[-0-9.]+[\s,]+([0-9.]+)[\s,]+([0-9.]+)`)
)

// Inspect decodes data and reports its metadata. The content decides the
// format; declared is the format implied by the file name.
func Inspect(data []byte, declared formats.Format) (*Metadata, error) {
	content := formats.Sniff(data)
	if content == formats.Unknown {
		content = declared
	}

	if content == formats.SVG {
		return inspectSVG(data, declared)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, recovery.New(recovery.CategoryCorruption, "decode", "", fmt.Errorf("non-positive dimensions %dx%d", b.Dx(), b.Dy()))
	}
	channels := Channels(img)
	meta := &Metadata{
		Width:          b.Dx(),
		Height:         b.Dy(),
		Format:         content,
		DeclaredFormat: declared,
		Channels:       channels,
		HasAlpha:       channels == 4,
		Frames:         1,
	}
	if content == formats.GIF {
		if all, err := gif.DecodeAll(bytes.NewReader(data)); err == nil {
			meta.Frames = len(all.Image)
		}
	}
	if content == formats.JPEG {
		meta.HasExif, meta.ExifTags = exifInfo(data)
	}
	return meta, nil
}

func inspectSVG(data []byte, declared formats.Format) (*Metadata, error) {
	loc := svgOpen.FindIndex(data)
	if loc == nil || !svgClose.Match(data) {
		return nil, recovery.New(recovery.CategoryCorruption, "validate svg", "", fmt.Errorf("missing <svg> root element"))
	}
	meta := &Metadata{Format: formats.SVG, DeclaredFormat: declared, Channels: 4, HasAlpha: true}

	root := data[loc[0]:]
	if end := bytes.IndexByte(root, '>'); end >= 0 {
		root = root[:end]
	}
	if m := svgView.FindSubmatch(root); m != nil {
		meta.Width = atoiFloat(m[1])
		meta.Height = atoiFloat(m[2])
	}
	for _, m := range svgAttr.FindAllSubmatch(root, 2) {
		switch string(bytes.ToLower(m[1])) {
		case "width":
			meta.Width = atoiFloat(m[2])
		case "height":
			meta.Height = atoiFloat(m[2])
		}
	}
	return meta, nil
}

func atoiFloat(b []byte) int {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return 0
	}
	return int(f + 0.5)
}

// Channels channel layout of img: 1 for gray, 4 when any pixel is not opaque,
// otherwise 3.
func Channels(img image.Image) int {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case *image.CMYK:
		return 4
	}
	if o, ok := img.(interface{ Opaque() bool }); ok && !o.Opaque() {
		return 4
	}
	return 3
}
