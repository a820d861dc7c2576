package references

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func memTree(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
	return fs
}

func TestReferenceSafety(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	logo := filepath.Join(src, "logo.png")
	require.NoError(t, os.WriteFile(logo, []byte("png"), 0o644))
	app := filepath.Join(src, "app.js")
	require.NoError(t, os.WriteFile(app, []byte("// header\n\nimport logo from './logo.png'\nexport default logo\n"), 0o644))

	v := NewValidator(nil, zap.NewNop(), DefaultOptions())
	scan, err := v.ScanCodeFilesForImageReferences(root)
	require.NoError(t, err)
	require.Len(t, scan[logo], 1)

	res, err := v.ValidateProcessedImageReferences([]string{logo}, root)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.BrokenReferences)
	assert.Equal(t, 1, res.Summary.ProcessedReferenced)

	require.NoError(t, os.Remove(logo))
	res, err = v.ValidateProcessedImageReferences([]string{logo}, root)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.BrokenReferences, 1)
	broken := res.BrokenReferences[0]
	assert.Equal(t, app, broken.Reference.SourceFile)
	assert.Equal(t, 3, broken.Reference.Line)
	assert.Equal(t, "./logo.png", broken.Reference.OriginalReference)
	assert.True(t, broken.Processed)
}

func TestScanPatternFamilies(t *testing.T) {
	fs := memTree(t, map[string]string{
		"/site/public/img/hero.jpg":                               "x",
		"/site/public/img/icon.svg":                               "x",
		"/site/public/bg.webp":                                    "x",
		"/site/pages/index.html":                                  `<img src="/img/hero.jpg?v=2"><img srcset="/img/hero.jpg 1x, /img/icon.svg 2x"><a href="https://cdn.example.com/x.png">`,
		"/site/pages/about.md":                                    "![Hero](/img/hero.jpg)\n<div style=\"background: url('/bg.webp')\"></div>",
		"/site/styles/main.scss":                                  "body {\n  background-image: url(\"../public/bg.webp#frag\");\n}\n.x { background: url(data:image/png;base64,AAA=) }",
		"/site/data/team.json":                                    `{"avatar": "/img/hero.jpg", "site": "//cdn.example.com/a.png"}`,
		"/site/data/config.yaml":                                  "logo: /img/icon.svg\nname: demo\n",
		"/site/src/App.tsx":                                       "const a = require('/img/hero.jpg');\nconst b = <img src={`${base}/x.png`} />\n",
		"/site/src/readme.txt":                                    "/img/hero.jpg",
		"/site/node_modules/lib.js":                               "import x from '/img/hero.jpg'",
		"/site/.watermark-backups/a":                              "x",
		"/site/.watermark-backups/2024-01-01T00-00-00.000Z/b.css": "a{background:url(/img/hero.jpg)}",
	})
	v := NewValidator(fs, zap.NewNop(), DefaultOptions())
	scan, err := v.ScanCodeFilesForImageReferences("/site")
	require.NoError(t, err)

	// src and srcset on the same line are separate occurrences
	hero := scan["/site/public/img/hero.jpg"]
	sources := map[string]int{}
	for _, ref := range hero {
		sources[ref.SourceFile]++
	}
	assert.Equal(t, map[string]int{
		"/site/pages/index.html": 2,
		"/site/pages/about.md":   1,
		"/site/data/team.json":   1,
		"/site/src/App.tsx":      1,
	}, sources)

	assert.Len(t, scan["/site/public/img/icon.svg"], 2, "srcset candidate and yaml value")
	bg := scan["/site/public/bg.webp"]
	require.Len(t, bg, 2)
	for _, ref := range bg {
		if ref.Type == TypeStyle {
			assert.Equal(t, 2, ref.Line)
			assert.Equal(t, "../public/bg.webp#frag", ref.OriginalReference)
		}
	}
	for target := range scan {
		assert.NotContains(t, target, "cdn.example.com")
		assert.NotContains(t, target, "x.png")
	}
}

func TestResolve(t *testing.T) {
	fs := memTree(t, map[string]string{
		"/site/src/components/local.png": "x",
	})
	v := NewValidator(fs, nil, DefaultOptions())
	source := "/site/src/components/Card.vue"

	cases := map[string]string{
		"/img/a.png":          "/site/public/img/a.png",
		"./icons/b.svg":       "/site/src/components/icons/b.svg",
		"../assets/c.gif":     "/site/src/assets/c.gif",
		"local.png":           "/site/src/components/local.png",
		"shared/missing.png":  "/site/public/shared/missing.png",
		"/img/space%20in.png": "/site/public/img/space in.png",
		"/img/d.jpeg?x=1#top": "/site/public/img/d.jpeg",
	}
	for ref, want := range cases {
		got, ok := v.Resolve(ref, source, "/site")
		require.True(t, ok, ref)
		assert.Equal(t, want, got, ref)
	}

	for _, ref := range []string{"https://a.com/x.png", "//a.com/x.png", "data:image/png;base64,xx", "${base}/x.png", "/img/readme.txt"} {
		_, ok := v.Resolve(ref, source, "/site")
		assert.False(t, ok, ref)
	}
}

func TestScanHandlesBOM(t *testing.T) {
	fs := memTree(t, map[string]string{
		"/site/public/logo.png": "x",
		"/site/index.html":      "\xEF\xBB\xBF<img src=\"/logo.png\">\n",
	})
	v := NewValidator(fs, nil, DefaultOptions())
	scan, err := v.ScanCodeFilesForImageReferences("/site")
	require.NoError(t, err)
	refs := scan["/site/public/logo.png"]
	require.Len(t, refs, 1)
	assert.Equal(t, 1, refs[0].Line)
	assert.Equal(t, TypeMarkup, refs[0].Type)
}

func TestPreExistingBrokenSeparated(t *testing.T) {
	fs := memTree(t, map[string]string{
		"/site/public/ok.png": "x",
		"/site/index.html":    "<img src=\"/ok.png\">\n<img src=\"/gone.png\">\n",
	})
	v := NewValidator(fs, nil, DefaultOptions())

	// no prior scan: validation scans first
	res, err := v.ValidateProcessedImageReferences([]string{"/site/public/ok.png"}, "/site")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	require.Len(t, res.PreExistingBroken, 1)
	assert.Equal(t, 2, res.PreExistingBroken[0].Reference.Line)
	assert.Equal(t, 2, res.Summary.TotalReferences)
	assert.Equal(t, 1, res.Summary.FilesScanned)
}

func TestValidatePathConsistency(t *testing.T) {
	same := ValidatePathConsistency([]string{"/a", "/b"}, []string{"/b", "/a", "/a"})
	assert.True(t, same.Consistent)
	assert.Empty(t, same.Missing)
	assert.Empty(t, same.Unexpected)

	diff := ValidatePathConsistency([]string{"/a", "/b", "/c"}, []string{"/a", "/b.png"})
	assert.False(t, diff.Consistent)
	assert.Equal(t, []string{"/b", "/c"}, diff.Missing)
	assert.Equal(t, []string{"/b.png"}, diff.Unexpected)
}

func TestFileTypeOf(t *testing.T) {
	for path, want := range map[string]FileType{
		"a.JSX": TypeScript, "b.svelte": TypeScript, "c.astro": TypeMarkup,
		"d.less": TypeStyle, "e.yml": TypeData, "f.xml": TypeData,
	} {
		got, ok := FileTypeOf(path)
		require.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
	_, ok := FileTypeOf("g.go")
	assert.False(t, ok)
}
