// Package watermark stamps images with a text mark while keeping their
// dimensions, channel layout and container format.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"brandmark/config"
	"brandmark/core/container"
	"brandmark/core/formats"
	"brandmark/core/fsutil"
	"brandmark/core/recovery"
	"brandmark/core/validation"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Options processor settings
type Options struct {
	Style       config.Style
	Ratios      Ratios
	JPEGQuality int
	EmbedMarker bool
}

// DefaultOptions default processor settings for style
func DefaultOptions(style config.Style) Options {
	return Options{
		Style:       style,
		Ratios:      Ratios{FontSize: 0.05, Padding: 0.02},
		JPEGQuality: 92,
		EmbedMarker: true,
	}
}

// FormatInfo container details of one processed file
type FormatInfo struct {
	Declared       formats.Format `json:"declared"`
	Original       formats.Format `json:"original"`
	Output         formats.Format `json:"output"`
	Rasterized     bool           `json:"rasterized,omitempty"`
	ExifCarried    bool           `json:"exifCarried,omitempty"`
	MarkerEmbedded bool           `json:"markerEmbedded"`
	BytesBefore    int64          `json:"bytesBefore"`
	BytesAfter     int64          `json:"bytesAfter"`
}

// PreservationResult diff of the written file against the baseline
type PreservationResult struct {
	Passed              bool                 `json:"passed"`
	DimensionsPreserved bool                 `json:"dimensionsPreserved"`
	FormatPreserved     bool                 `json:"formatPreserved"`
	ChannelsPreserved   bool                 `json:"channelsPreserved"`
	Differences         []string             `json:"differences,omitempty"`
	After               *validation.Metadata `json:"after,omitempty"`
}

// ProcessingResult outcome of ApplyWatermark
type ProcessingResult struct {
	Success          bool                 `json:"success"`
	ImagePath        string               `json:"imagePath"`
	FormatInfo       FormatInfo           `json:"formatInfo"`
	Consistent       ConsistencyRecord    `json:"consistentConfig"`
	Preservation     PreservationResult   `json:"preservationResult"`
	OriginalMetadata *validation.Metadata `json:"originalMetadata,omitempty"`
	Style            Applied              `json:"style"`
	ProcessedAt      time.Time            `json:"processedAt"`
}

// Processor applies the watermark to files in place
type Processor struct {
	logger    *zap.Logger
	validator *validation.Engine
	opts      Options
}

// NewProcessor validates the style and its colors
func NewProcessor(logger *zap.Logger, validator *validation.Engine, opts Options) (*Processor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.Style.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseColor(opts.Style.Color); err != nil {
		return nil, fmt.Errorf("style color: %w", err)
	}
	if _, err := ParseColor(opts.Style.Shadow.Color); err != nil {
		return nil, fmt.Errorf("style shadow color: %w", err)
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 92
	}
	if opts.Ratios.FontSize <= 0 {
		opts.Ratios.FontSize = 0.05
	}
	if opts.Ratios.Padding <= 0 {
		opts.Ratios.Padding = 0.02
	}
	return &Processor{logger: logger, validator: validator, opts: opts}, nil
}

// Style configured watermark style
func (p *Processor) Style() config.Style { return p.opts.Style }

// ApplyWatermark decodes path, stamps it and writes it back in place in its
// original container format. Vector files are rasterized and written as png
// bytes under the same name. The written file is validated again and must
// match the baseline width, height, format and channel count.
func (p *Processor) ApplyWatermark(ctx context.Context, path string) (*ProcessingResult, error) {
	result := &ProcessingResult{ImagePath: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return result, recovery.Wrap(recovery.Classify(err), "read", path, err)
	}
	declared := formats.FromExtension(path)
	baseline, err := validation.Inspect(data, declared)
	if err != nil {
		return result, recovery.Wrap(recovery.Classify(err), "inspect", path, err)
	}
	result.OriginalMetadata = baseline
	result.FormatInfo = FormatInfo{
		Declared:    declared,
		Original:    baseline.Format,
		Output:      outputFormat(baseline.Format),
		Rasterized:  baseline.Format.IsVector(),
		BytesBefore: int64(len(data)),
	}

	if baseline.Frames > 1 {
		return result, recovery.New(recovery.CategoryFormat, "decode", path,
			fmt.Errorf("%w: animated gif with %d frames", recovery.ErrUnsupportedFormat, baseline.Frames))
	}

	src, err := p.source(data, baseline)
	if err != nil {
		return result, recovery.Wrap(recovery.Classify(err), "decode", path, err)
	}
	if _, ok := src.(*image.CMYK); ok {
		return result, recovery.New(recovery.CategoryFormat, "decode", path,
			fmt.Errorf("%w: cmyk jpeg", recovery.ErrUnsupportedFormat))
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	bounds := src.Bounds()
	geom := ComputeGeometry(bounds.Dx(), bounds.Dy(), p.opts.Style, p.opts.Ratios)
	applied, err := AdaptStyle(p.opts.Style, geom.FontSize, AnalyzeBackground(src, geom.Box))
	if err != nil {
		return result, recovery.New(recovery.CategoryFunctionality, "style", path, err)
	}
	result.Style = applied
	tile, err := RenderTile(p.opts.Style.Text, geom, applied)
	if err != nil {
		return result, recovery.New(recovery.CategoryFunctionality, "render", path, err)
	}
	out := matchLayout(Composite(src, tile, geom), src)
	result.Consistent = geom.Record(path, bounds.Dx(), bounds.Dy())

	encoded, err := p.encode(out, data, &result.FormatInfo)
	if err != nil {
		return result, recovery.Wrap(recovery.Classify(err), "encode", path, err)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if err := fsutil.AtomicWriteFile(path, encoded, 0o644); err != nil {
		return result, recovery.Wrap(recovery.Classify(err), "write", path, err)
	}
	result.FormatInfo.BytesAfter = int64(len(encoded))
	result.ProcessedAt = time.Now()

	expected := *baseline
	if baseline.Format.IsVector() {
		expected.Width, expected.Height = bounds.Dx(), bounds.Dy()
	}
	result.Preservation = p.checkPreservation(path, &expected)
	if !result.Preservation.Passed {
		return result, recovery.New(recovery.CategoryPreservation, "verify", path,
			fmt.Errorf("%w: %v", recovery.ErrPreservation, result.Preservation.Differences))
	}

	result.Success = true
	p.logger.Debug("watermark applied",
		zap.String("file", path),
		zap.String("format", string(result.FormatInfo.Output)),
		zap.Int("font_size", geom.FontSize),
		zap.Strings("adjustments", applied.Adjustments))
	return result, nil
}

func (p *Processor) source(data []byte, baseline *validation.Metadata) (image.Image, error) {
	if baseline.Format.IsVector() {
		return rasterizeSVG(data, baseline.Width, baseline.Height)
	}
	img, err := decodeRaster(data)
	if err != nil {
		return nil, err
	}
	if img.Bounds().Min != (image.Point{}) {
		img = imaging.Clone(img)
	}
	return img, nil
}

func (p *Processor) encode(img image.Image, original []byte, info *FormatInfo) ([]byte, error) {
	encoded, err := encode(img, info.Original, p.opts.JPEGQuality)
	if err != nil {
		return nil, err
	}
	if info.Original == formats.JPEG {
		var carried bool
		encoded, carried, err = carryExif(original, encoded)
		if err != nil {
			return nil, recovery.New(recovery.CategoryPreservation, "carry exif", "", err)
		}
		info.ExifCarried = carried
	}
	if p.opts.EmbedMarker {
		marked, err := container.EmbedMarker(info.Output, encoded, p.opts.Style.Text)
		switch {
		case err == nil:
			encoded = marked
			info.MarkerEmbedded = true
		case !errors.Is(err, container.ErrNoMarkerSupport):
			return nil, recovery.New(recovery.CategoryFunctionality, "embed marker", "", err)
		}
	}
	return encoded, nil
}

// checkPreservation diffs the file on disk against baseline. Vector sources
// are written as rasters, so their format and channel count are not compared.
func (p *Processor) checkPreservation(path string, baseline *validation.Metadata) PreservationResult {
	res := PreservationResult{}
	var after *validation.Metadata
	if p.validator != nil {
		v := p.validator.ValidateImage(path)
		if !v.IsValid {
			res.Differences = append(res.Differences, "revalidation failed: "+v.ErrorString())
			return res
		}
		after = v.Metadata
	} else {
		data, err := os.ReadFile(path)
		if err == nil {
			after, err = validation.Inspect(data, baseline.DeclaredFormat)
		}
		if err != nil {
			res.Differences = append(res.Differences, "revalidation failed: "+err.Error())
			return res
		}
	}
	res.After = after

	res.DimensionsPreserved = after.Width == baseline.Width && after.Height == baseline.Height
	if !res.DimensionsPreserved {
		res.Differences = append(res.Differences,
			fmt.Sprintf("dimensions %dx%d -> %dx%d", baseline.Width, baseline.Height, after.Width, after.Height))
	}
	vector := baseline.Format.IsVector()
	res.FormatPreserved = vector || after.Format == baseline.Format
	if !res.FormatPreserved {
		res.Differences = append(res.Differences, fmt.Sprintf("format %s -> %s", baseline.Format, after.Format))
	}
	res.ChannelsPreserved = vector || after.Channels == baseline.Channels
	if !res.ChannelsPreserved {
		res.Differences = append(res.Differences, fmt.Sprintf("channels %d -> %d", baseline.Channels, after.Channels))
	}
	res.Passed = res.DimensionsPreserved && res.FormatPreserved && res.ChannelsPreserved
	return res
}
