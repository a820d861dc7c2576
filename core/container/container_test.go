package container

import (
	"bytes"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"brandmark/core/formats"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 16, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 16), uint8(y * 20), 90, 255})
		}
	}
	return img
}

func encode(t *testing.T, format formats.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch format {
	case formats.PNG:
		require.NoError(t, png.Encode(&buf, sampleImage()))
	case formats.JPEG:
		require.NoError(t, jpeg.Encode(&buf, sampleImage(), &jpeg.Options{Quality: 90}))
	case formats.GIF:
		require.NoError(t, gif.Encode(&buf, sampleImage(), &gif.Options{NumColors: 256}))
	}
	return buf.Bytes()
}

func TestMarkerRoundTripStillDecodes(t *testing.T) {
	for _, format := range []formats.Format{formats.PNG, formats.JPEG, formats.GIF} {
		t.Run(string(format), func(t *testing.T) {
			data := encode(t, format)
			_, found := ReadMarker(format, data)
			assert.False(t, found)

			marked, err := EmbedMarker(format, data, "© ACME")
			require.NoError(t, err)

			text, found := ReadMarker(format, marked)
			require.True(t, found)
			assert.Equal(t, "© ACME", text)

			img, _, err := image.Decode(bytes.NewReader(marked))
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 16, 12), img.Bounds())
		})
	}
}

func TestEmbedMarkerUnsupported(t *testing.T) {
	_, err := EmbedMarker(formats.SVG, []byte("<svg/>"), "x")
	assert.ErrorIs(t, err, ErrNoMarkerSupport)
}

func TestLongGIFComment(t *testing.T) {
	data := encode(t, formats.GIF)
	long := string(bytes.Repeat([]byte("w"), 600))
	marked, err := EmbedMarker(formats.GIF, data, long)
	require.NoError(t, err)
	text, found := ReadMarker(formats.GIF, marked)
	require.True(t, found)
	assert.Equal(t, long, text)

	_, err = gif.Decode(bytes.NewReader(marked))
	require.NoError(t, err)
}

func TestPalettedGIFWithGlobalTable(t *testing.T) {
	img := image.NewPaletted(image.Rect(0, 0, 4, 4), palette.WebSafe)
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, img, nil))
	marked, err := EmbedMarker(formats.GIF, buf.Bytes(), "m")
	require.NoError(t, err)
	_, found := ReadMarker(formats.GIF, marked)
	assert.True(t, found)
}

func TestExifSegmentCarryOver(t *testing.T) {
	data := encode(t, formats.JPEG)
	_, ok := ExifSegment(data)
	assert.False(t, ok)

	payload := append([]byte("Exif\x00\x00"), []byte("II*\x00\x08\x00\x00\x00\x00\x00")...)
	seg, err := jpegSegmentBytes(0xE1, payload)
	require.NoError(t, err)
	withExif, err := InsertSegment(data, seg)
	require.NoError(t, err)

	got, ok := ExifSegment(withExif)
	require.True(t, ok)
	assert.Equal(t, seg, got)

	_, err = jpeg.Decode(bytes.NewReader(withExif))
	require.NoError(t, err)

	// the marker goes after the APP1 segment
	marked, err := EmbedMarker(formats.JPEG, withExif, "x")
	require.NoError(t, err)
	segs := jpegSegments(marked)
	require.GreaterOrEqual(t, len(segs), 2)
	assert.Equal(t, byte(0xE1), segs[0].marker)
	assert.Equal(t, byte(0xFE), segs[1].marker)
}

func TestTrailerMarkerStillDecodes(t *testing.T) {
	for _, tc := range []struct {
		format formats.Format
		enc    func(*bytes.Buffer) error
	}{
		{formats.BMP, func(b *bytes.Buffer) error { return bmp.Encode(b, sampleImage()) }},
		{formats.TIFF, func(b *bytes.Buffer) error {
			return tiff.Encode(b, sampleImage(), &tiff.Options{Compression: tiff.Deflate})
		}},
	} {
		t.Run(string(tc.format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tc.enc(&buf))
			_, found := ReadMarker(tc.format, buf.Bytes())
			assert.False(t, found)

			marked, err := EmbedMarker(tc.format, buf.Bytes(), "© ACME")
			require.NoError(t, err)
			text, found := ReadMarker(tc.format, marked)
			require.True(t, found)
			assert.Equal(t, "© ACME", text)

			img, _, err := image.Decode(bytes.NewReader(marked))
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 16, 12), img.Bounds())
		})
	}
}

func TestTrailerIgnoresForeignBytes(t *testing.T) {
	_, found := trailerValue([]byte("xxxxBMRK"))
	assert.False(t, found)
	_, found = trailerValue(append([]byte{0xFF, 0xFF, 0xFF, 0xFF}, trailerMagic...))
	assert.False(t, found)
}

func TestWebPChunk(t *testing.T) {
	// RIFF list with one odd-length image chunk
	data := []byte("RIFF\x00\x00\x00\x00WEBPVP8L\x03\x00\x00\x00abc\x00")
	data[4] = byte(len(data) - 8)

	marked, err := EmbedMarker(formats.WebP, data, "mark")
	require.NoError(t, err)
	text, found := ReadMarker(formats.WebP, marked)
	require.True(t, found)
	assert.Equal(t, "mark", text)
	assert.Equal(t, uint32(len(marked)-8), uint32(marked[4])|uint32(marked[5])<<8|uint32(marked[6])<<16|uint32(marked[7])<<24)
	assert.Equal(t, data[12:], marked[12:len(data)], "existing chunks are untouched")

	_, err = EmbedMarker(formats.WebP, []byte("RIFF"), "mark")
	assert.Error(t, err)
}
