package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Position watermark corner
type Position string

const (
	BottomRight Position = "bottom-right"
	BottomLeft  Position = "bottom-left"
	TopRight    Position = "top-right"
	TopLeft     Position = "top-left"
)

// Valid reports whether p is one of the four corners
func (p Position) Valid() bool {
	switch p {
	case BottomRight, BottomLeft, TopRight, TopLeft:
		return true
	}
	return false
}

// ShadowStyle drop shadow parameters
type ShadowStyle struct {
	Blur  float64 `mapstructure:"blur" json:"blur"`
	Color string  `mapstructure:"color" json:"color"`
}

// Style watermark style. FontSize is the upper clamp for the computed size
// and MinFontSize the lower one.
type Style struct {
	Text        string      `mapstructure:"text" json:"text"`
	Position    Position    `mapstructure:"position" json:"position"`
	Padding     int         `mapstructure:"padding" json:"padding"`
	FontSize    int         `mapstructure:"fontSize" json:"fontSize"`
	MinFontSize int         `mapstructure:"minFontSize" json:"minFontSize"`
	Color       string      `mapstructure:"color" json:"color"`
	Shadow      ShadowStyle `mapstructure:"shadow" json:"shadow"`
}

// DefaultStyle built-in watermark style
func DefaultStyle() Style {
	return Style{
		Text:        "© Brandmark",
		Position:    BottomRight,
		Padding:     10,
		FontSize:    72,
		MinFontSize: 24,
		Color:       "rgba(255,255,255,0.85)",
		Shadow: ShadowStyle{
			Blur:  2,
			Color: "rgba(0,0,0,0.5)",
		},
	}
}

// Validate checks the style invariants
func (s Style) Validate() error {
	if strings.TrimSpace(s.Text) == "" {
		return &ValidationError{Field: "style.text", Value: s.Text, Message: "must not be empty"}
	}
	if !s.Position.Valid() {
		return &ValidationError{Field: "style.position", Value: s.Position, Message: "must be one of bottom-right, bottom-left, top-right, top-left"}
	}
	if s.Padding < 0 {
		return &ValidationError{Field: "style.padding", Value: s.Padding, Message: "must not be negative"}
	}
	if s.MinFontSize < 8 {
		return &ValidationError{Field: "style.minFontSize", Value: s.MinFontSize, Message: "must be at least 8"}
	}
	if s.FontSize < s.MinFontSize {
		return &ValidationError{Field: "style.fontSize", Value: s.FontSize, Message: "must not be below minFontSize"}
	}
	if s.Shadow.Blur < 0 {
		return &ValidationError{Field: "style.shadow.blur", Value: s.Shadow.Blur, Message: "must not be negative"}
	}
	return nil
}

// LoadStyle reads a JSON or YAML style file over the defaults. On any load or
// validation failure it logs a warning and returns the defaults together with
// the error, so callers may continue with the built-in style.
func LoadStyle(path string, logger *zap.Logger) (Style, error) {
	def := DefaultStyle()
	if path == "" {
		return def, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	v.SetDefault("text", def.Text)
	v.SetDefault("position", string(def.Position))
	v.SetDefault("padding", def.Padding)
	v.SetDefault("fontSize", def.FontSize)
	v.SetDefault("minFontSize", def.MinFontSize)
	v.SetDefault("color", def.Color)
	v.SetDefault("shadow.blur", def.Shadow.Blur)
	v.SetDefault("shadow.color", def.Shadow.Color)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		logger.Warn("style file unreadable, using default style", zap.String("file", path), zap.Error(err))
		return def, fmt.Errorf("load style %s: %w", path, err)
	}

	var style Style
	if err := v.Unmarshal(&style); err != nil {
		logger.Warn("style file malformed, using default style", zap.String("file", path), zap.Error(err))
		return def, fmt.Errorf("decode style %s: %w", path, err)
	}
	if err := style.Validate(); err != nil {
		logger.Warn("style file invalid, using default style", zap.String("file", path), zap.Error(err))
		return def, err
	}
	return style, nil
}
