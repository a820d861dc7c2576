package cmd

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"brandmark/core/pipeline"
	"brandmark/core/recovery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 40, 50, 60, 255
	}
	img.Set(0, 0, color.RGBA{1, 2, 3, 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func site(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "public", "logo.png"))
	html := "<img src=\"/logo.png\">\n<img src=\"/gone.png\">\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte(html), 0o644))
	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("BRANDMARK_LOGGING_ENABLE_FILE", "false")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(os.Stdout)
		rootCmd.SetErr(os.Stderr)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitInterrupted, exitCode(fmt.Errorf("run: %w", pipeline.ErrInterrupted)))
	assert.Equal(t, exitAborted, exitCode(pipeline.ErrAborted))
	assert.Equal(t, exitNotReady, exitCode(errBrokenReferences))
	assert.Equal(t, exitError, exitCode(recovery.New(recovery.CategoryPermission, "write", "/x", os.ErrPermission)))
}

func TestVerifyRefsReportsBroken(t *testing.T) {
	root := site(t)
	out, err := execute(t, "verify-refs", root)
	require.Error(t, err)
	assert.Equal(t, exitNotReady, exitCode(err))
	assert.Contains(t, out, "index.html:2  /gone.png")
	assert.NotContains(t, out, "/logo.png\n")
}

func TestDryRunCommand(t *testing.T) {
	root := site(t)
	before, err := os.ReadFile(filepath.Join(root, "public", "logo.png"))
	require.NoError(t, err)

	out, err := execute(t, "run", "--dry-run", "--yes", "--report-dir", t.TempDir(), root)
	require.NoError(t, err)
	assert.Contains(t, out, "READY_WITH_WARNINGS")
	assert.Contains(t, out, "would process")

	after, err := os.ReadFile(filepath.Join(root, "public", "logo.png"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStatusWithoutRuns(t *testing.T) {
	out, err := execute(t, "status", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "no runs recorded")
}
