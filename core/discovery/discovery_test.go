package discovery

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"brandmark/core/formats"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	supportedExts   = []string{".jpg", ".JPEG", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff", ".svg"}
	unsupportedExts = []string{".txt", ".js", ".css", ".psd", ".mp4", ""}
	excludedNames   = []string{"node_modules", ".git", "dist", "build", ".hidden", "vendor", ".watermark-backups"}
)

func writeFile(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte("x"), 0o644))
}

// randomTree builds a tree under /site and returns the paths discovery must find.
func randomTree(t *testing.T, rng *rand.Rand, fs afero.Fs) []string {
	var want []string
	var dirs []string
	for p := 0; p < 1+rng.Intn(3); p++ {
		dirs = append(dirs, fmt.Sprintf("/site/projects/p%d", p))
	}
	dirs = append(dirs, "/site/public")

	for _, base := range dirs {
		for i := 0; i < 25; i++ {
			depth := rng.Intn(5)
			parts := []string{base}
			excluded := false
			for d := 0; d < depth; d++ {
				if rng.Intn(6) == 0 {
					parts = append(parts, excludedNames[rng.Intn(len(excludedNames))])
					excluded = true
				} else {
					parts = append(parts, fmt.Sprintf("d%d", rng.Intn(3)))
				}
			}
			var name string
			supported := rng.Intn(2) == 0
			if supported {
				name = fmt.Sprintf("f%d%s", i, supportedExts[rng.Intn(len(supportedExts))])
			} else {
				name = fmt.Sprintf("f%d%s", i, unsupportedExts[rng.Intn(len(unsupportedExts))])
			}
			path := filepath.Join(append(parts, name)...)
			writeFile(t, fs, path)
			if supported && !excluded {
				want = append(want, path)
			}
		}
	}

	// outside the scanned subtrees
	writeFile(t, fs, "/site/loose.png")
	writeFile(t, fs, "/site/projects/top-level.png")
	writeFile(t, fs, "/site/src/app/logo.png")
	sort.Strings(want)
	return want
}

func TestFindAllImagesCompleteness(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			want := randomTree(t, rand.New(rand.NewSource(seed)), fs)

			records, err := NewScanner(fs, zap.NewNop(), DefaultOptions()).FindAllImages("/site")
			require.NoError(t, err)
			got := Paths(records)
			if len(want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestRecordFields(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/site/projects/shop/img/hero.PNG")
	writeFile(t, fs, "/site/public/logo.svg")

	records, err := NewScanner(fs, nil, DefaultOptions()).FindAllImages("/site")
	require.NoError(t, err)
	require.Len(t, records, 2)

	hero := records[0]
	assert.Equal(t, "/site/projects/shop/img/hero.PNG", hero.Path)
	assert.Equal(t, "projects/shop/img/hero.PNG", hero.RelativePath)
	assert.Equal(t, "hero.PNG", hero.Filename)
	assert.Equal(t, formats.PNG, hero.Format)
	assert.Equal(t, int64(1), hero.SizeBytes)
	assert.Equal(t, "shop", hero.Project)

	assert.Equal(t, "public", records[1].Project)
	assert.Equal(t, formats.SVG, records[1].Format)
}

func TestFallbackToRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/flat/a.jpg")
	writeFile(t, fs, "/flat/node_modules/b.jpg")
	writeFile(t, fs, "/flat/.watermark-backups/2024/a.jpg")

	records, err := NewScanner(fs, nil, DefaultOptions()).FindAllImages("/flat")
	require.NoError(t, err)
	assert.Equal(t, []string{"/flat/a.jpg"}, Paths(records))

	opts := DefaultOptions()
	opts.FallbackToRoot = false
	records, err = NewScanner(fs, nil, opts).FindAllImages("/flat")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExtraRootsAndExcludes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/site/public/a.png")
	writeFile(t, fs, "/site/assets/b.png")
	writeFile(t, fs, "/site/public/generated/c.png")

	opts := DefaultOptions()
	opts.ExtraRoots = []string{"assets", "missing"}
	opts.ExcludeDirs = []string{"generated"}
	records, err := NewScanner(fs, nil, opts).FindAllImages("/site")
	require.NoError(t, err)
	assert.Equal(t, []string{"/site/assets/b.png", "/site/public/a.png"}, Paths(records))
}

func TestMissingRoot(t *testing.T) {
	_, err := NewScanner(afero.NewMemMapFs(), nil, DefaultOptions()).FindAllImages("/nowhere")
	assert.Error(t, err)
}

func TestFilterAndStats(t *testing.T) {
	records := []ImageRecord{
		{Path: "/a.png", Format: formats.PNG, SizeBytes: 10, Project: "shop"},
		{Path: "/b.jpg", Format: formats.JPEG, SizeBytes: 20, Project: "shop"},
		{Path: "/c.png", Format: formats.PNG, SizeBytes: 30, Project: "public"},
	}
	pngs := FilterByFormat(records, formats.PNG)
	require.Len(t, pngs, 2)
	for _, r := range pngs {
		assert.True(t, strings.HasSuffix(r.Path, ".png"))
	}

	stats := ComputeStats(records)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, int64(60), stats.TotalBytes)
	assert.Equal(t, 2, stats.ByFormat[formats.PNG])
	assert.Equal(t, 2, stats.ByProject["shop"])
}
