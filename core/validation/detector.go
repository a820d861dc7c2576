package validation

import (
	"bytes"
	"fmt"
	"html"
	"image"
	"math"
	"os"
	"strings"

	"brandmark/core/container"
	"brandmark/core/formats"
	"brandmark/core/recovery"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Sample a file under inspection. The image is decoded at most once, on demand.
type Sample struct {
	Path   string
	Data   []byte
	Format formats.Format

	img       image.Image
	decodeErr error
	decoded   bool
}

// NewSample wraps file contents; Format is taken from the content when it can
// be sniffed, otherwise from the extension.
func NewSample(path string, data []byte) *Sample {
	format := formats.Sniff(data)
	if format == formats.Unknown {
		format = formats.FromExtension(path)
	}
	return &Sample{Path: path, Data: data, Format: format}
}

// Image decoded raster image
func (s *Sample) Image() (image.Image, error) {
	if !s.decoded {
		s.decoded = true
		if s.Format.IsVector() {
			s.decodeErr = fmt.Errorf("%w: vector content has no raster", recovery.ErrUnsupportedFormat)
		} else {
			s.img, _, s.decodeErr = image.Decode(bytes.NewReader(s.Data))
		}
	}
	return s.img, s.decodeErr
}

// Detection single detector verdict
type Detection struct {
	Found      bool
	Confidence float64
}

// Detector decides whether a sample already carries a watermark
type Detector interface {
	Name() string
	Detect(s *Sample) (Detection, error)
}

// WatermarkCheck outcome of a detector chain
type WatermarkCheck struct {
	HasWatermark bool    `json:"hasWatermark"`
	Confidence   float64 `json:"confidence"`
	Detector     string  `json:"detector,omitempty"`
	Err          error   `json:"-"`
}

// MarkerDetector finds the marker the processor embeds in the container.
type MarkerDetector struct{}

func (MarkerDetector) Name() string { return "marker" }

func (MarkerDetector) Detect(s *Sample) (Detection, error) {
	if _, ok := container.ReadMarker(s.Format, s.Data); ok {
		return Detection{Found: true, Confidence: 1}, nil
	}
	return Detection{}, nil
}

// VectorTextDetector searches svg markup for the watermark text in its
// exact, escaped, space-separated and concatenated forms.
type VectorTextDetector struct {
	Text string
}

func (VectorTextDetector) Name() string { return "vector-text" }

func (d VectorTextDetector) Detect(s *Sample) (Detection, error) {
	if s.Format != formats.SVG || strings.TrimSpace(d.Text) == "" {
		return Detection{}, nil
	}
	markup := string(s.Data)
	variants := []struct {
		text       string
		confidence float64
	}{
		{d.Text, 1.0},
		{html.EscapeString(d.Text), 0.95},
		{xmlNumericEscape(d.Text), 0.95},
		{spaced(d.Text), 0.8},
		{strings.Join(strings.Fields(d.Text), ""), 0.7},
	}
	for _, v := range variants {
		if v.text != "" && strings.Contains(markup, v.text) {
			return Detection{Found: true, Confidence: v.confidence}, nil
		}
	}
	return Detection{}, nil
}

func spaced(text string) string {
	var parts []string
	for _, r := range strings.Join(strings.Fields(text), "") {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, " ")
}

func xmlNumericEscape(text string) string {
	var b strings.Builder
	for _, r := range text {
		if r > 0x7E {
			fmt.Fprintf(&b, "&#%d;", r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Corner image corner
type Corner int

const (
	BottomRightCorner Corner = iota
	BottomLeftCorner
	TopRightCorner
	TopLeftCorner
)

// AllCorners the four corners
var AllCorners = []Corner{BottomRightCorner, BottomLeftCorner, TopRightCorner, TopLeftCorner}

func (c Corner) String() string {
	switch c {
	case BottomRightCorner:
		return "bottom-right"
	case BottomLeftCorner:
		return "bottom-left"
	case TopRightCorner:
		return "top-right"
	default:
		return "top-left"
	}
}

// Band near-white fraction band. A corner whose fraction of pixels brighter
// than Brightness on every channel lies strictly between MinFraction and
// MaxFraction looks watermarked.
type Band struct {
	RegionRatio float64
	Brightness  uint8
	MinFraction float64
	MaxFraction float64
}

// Region corner rectangle of bounds covered by the band
func (b Band) Region(bounds image.Rectangle, c Corner) image.Rectangle {
	w := int(math.Max(1, math.Round(float64(bounds.Dx())*b.RegionRatio)))
	h := int(math.Max(1, math.Round(float64(bounds.Dy())*b.RegionRatio)))
	switch c {
	case BottomRightCorner:
		return image.Rect(bounds.Max.X-w, bounds.Max.Y-h, bounds.Max.X, bounds.Max.Y)
	case BottomLeftCorner:
		return image.Rect(bounds.Min.X, bounds.Max.Y-h, bounds.Min.X+w, bounds.Max.Y)
	case TopRightCorner:
		return image.Rect(bounds.Max.X-w, bounds.Min.Y, bounds.Max.X, bounds.Min.Y+h)
	default:
		return image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+w, bounds.Min.Y+h)
	}
}

// NearWhiteFraction fraction of pixels in rect brighter than threshold on all channels
func NearWhiteFraction(img image.Image, rect image.Rectangle, threshold uint8) float64 {
	region := imaging.Crop(img, rect)
	total := region.Rect.Dx() * region.Rect.Dy()
	if total == 0 {
		return 0
	}
	bright := 0
	for i := 0; i+3 < len(region.Pix); i += 4 {
		p := region.Pix[i : i+4 : i+4]
		if p[0] > threshold && p[1] > threshold && p[2] > threshold && p[3] > threshold {
			bright++
		}
	}
	return float64(bright) / float64(total)
}

// Score confidence for a fraction: at least 0.5 inside the band peaking at the
// band centre, below 0.5 outside and falling off with distance.
func (b Band) Score(fraction float64) Detection {
	mid := (b.MinFraction + b.MaxFraction) / 2
	half := (b.MaxFraction - b.MinFraction) / 2
	if half <= 0 {
		return Detection{}
	}
	dist := math.Abs(fraction - mid)
	if fraction > b.MinFraction && fraction < b.MaxFraction {
		return Detection{Found: true, Confidence: 0.5 + 0.5*(1-dist/half)}
	}
	return Detection{Confidence: math.Max(0, 0.5*(1-(dist-half)/half))}
}

// CornerDetector pixel brightness heuristic over one or more corners
type CornerDetector struct {
	Band    Band
	Corners []Corner
	Label   string
}

func (d CornerDetector) Name() string {
	if d.Label != "" {
		return d.Label
	}
	return "corner-heuristic"
}

func (d CornerDetector) Detect(s *Sample) (Detection, error) {
	if s.Format.IsVector() {
		return Detection{}, nil
	}
	img, err := s.Image()
	if err != nil {
		return Detection{}, err
	}
	var best Detection
	for _, c := range d.Corners {
		det := d.Band.Score(NearWhiteFraction(img, d.Band.Region(img.Bounds(), c), d.Band.Brightness))
		if det.Found && !best.Found || det.Found == best.Found && det.Confidence > best.Confidence {
			best = det
		}
	}
	return best, nil
}

func (e *Engine) readSample(path string) (*Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, recovery.Wrap(recovery.Classify(err), "read", path, err)
	}
	if len(data) == 0 {
		return nil, recovery.New(recovery.CategoryIntegrity, "read", path, recovery.ErrEmptyFile)
	}
	return NewSample(path, data), nil
}

// CheckWatermarkExists runs the primary detector chain; the first detector
// that finds a watermark decides. Detector errors are recorded but do not stop
// the chain.
func (e *Engine) CheckWatermarkExists(path string) WatermarkCheck {
	sample, err := e.readSample(path)
	if err != nil {
		return WatermarkCheck{Err: err}
	}
	return e.run(sample, e.detectors)
}

// CheckDuplicateWatermark runs the four-corner duplicate detector
func (e *Engine) CheckDuplicateWatermark(path string) WatermarkCheck {
	sample, err := e.readSample(path)
	if err != nil {
		return WatermarkCheck{Err: err}
	}
	return e.run(sample, []Detector{e.duplicate})
}

func (e *Engine) run(sample *Sample, detectors []Detector) WatermarkCheck {
	var check WatermarkCheck
	var lastErr error
	for _, d := range detectors {
		det, err := d.Detect(sample)
		if err != nil {
			e.logger.Debug("detector failed", zap.String("detector", d.Name()), zap.String("file", sample.Path), zap.Error(err))
			lastErr = err
			continue
		}
		if det.Found {
			return WatermarkCheck{HasWatermark: true, Confidence: det.Confidence, Detector: d.Name()}
		}
		if det.Confidence > check.Confidence {
			check.Confidence = det.Confidence
			check.Detector = d.Name()
		}
	}
	if check.Confidence == 0 && lastErr != nil {
		check.Err = lastErr
	}
	return check
}
