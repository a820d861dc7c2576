package references

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"brandmark/core/formats"
)

// FileType family of a referencing source file
type FileType string

const (
	TypeScript FileType = "script"
	TypeMarkup FileType = "markup"
	TypeStyle  FileType = "style"
	TypeData   FileType = "data"
)

var fileTypes = map[string]FileType{
	".js": TypeScript, ".jsx": TypeScript, ".ts": TypeScript, ".tsx": TypeScript,
	".mjs": TypeScript, ".cjs": TypeScript, ".vue": TypeScript, ".svelte": TypeScript,
	".html": TypeMarkup, ".htm": TypeMarkup, ".ejs": TypeMarkup, ".hbs": TypeMarkup,
	".php": TypeMarkup, ".astro": TypeMarkup, ".md": TypeMarkup, ".mdx": TypeMarkup,
	".css": TypeStyle, ".scss": TypeStyle, ".sass": TypeStyle, ".less": TypeStyle,
	".json": TypeData, ".yml": TypeData, ".yaml": TypeData, ".xml": TypeData,
}

// FileTypeOf file type for path, false when path is not scanned
func FileTypeOf(path string) (FileType, bool) {
	t, ok := fileTypes[strings.ToLower(filepath.Ext(path))]
	return t, ok
}

// image path ending, optionally followed by a query string or fragment
var imageTail = func() string {
	exts := formats.Extensions()
	// longer first so "tiff" wins over "tif"
	sort.Slice(exts, func(i, j int) bool {
		if len(exts[i]) != len(exts[j]) {
			return len(exts[i]) > len(exts[j])
		}
		return exts[i] < exts[j]
	})
	for i, ext := range exts {
		exts[i] = regexp.QuoteMeta(strings.TrimPrefix(ext, "."))
	}
	return `\.(?:` + strings.Join(exts, "|") + `)(?:[?#][^'"\x60\s)]*)?`
}()

func mustPatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(strings.ReplaceAll(e, "IMG", imageTail))
	}
	return out
}

var (
	cssURL = `url\(\s*['"]?([^'")\s]+IMG)['"]?\s*\)`

	scriptPatterns = mustPatterns(
		`(?i)import\s+(?:[\w*{}\s,]+\s+from\s+)?['"]([^'"]+IMG)['"]`,
		`(?i)require\(\s*['"]([^'"]+IMG)['"]\s*\)`,
		`(?i)import\(\s*['"]([^'"]+IMG)['"]\s*\)`,
		`(?i)\bsrc\s*=\s*\{?\s*['"]([^'"]+IMG)['"]`,
		`(?i)`+cssURL,
		"(?i)['\"\x60]([^'\"\x60\\s]+IMG)['\"\x60]",
	)
	markupPatterns = mustPatterns(
		`(?i)\b(?:src|href|poster|data-src|content|xlink:href)\s*=\s*['"]([^'"]+IMG)['"]`,
		`(?i)`+cssURL,
		`(?i)!\[[^\]]*\]\(\s*<?([^)\s>]+IMG)>?`,
	)
	stylePatterns = mustPatterns(
		`(?i)`+cssURL,
		`(?i)@import\s+['"]([^'"]+IMG)['"]`,
		`(?i)image-set\(\s*['"]([^'"]+IMG)['"]`,
	)
	// srcset holds a comma separated list of "url descriptor" candidates
	srcsetPattern = regexp.MustCompile(`(?i)\bsrcset\s*=\s*\{?\s*['"]([^'"]+)['"]`)

	dataPatterns = mustPatterns(
		`(?i)"([^"\s]+IMG)"`,
		`(?i)'([^'\s]+IMG)'`,
		`(?i):\s*([^\s'"#,\]]+IMG)\s*$`,
		`(?i)>\s*([^<\s]+IMG)\s*<`,
	)
)

func patternsFor(t FileType) []*regexp.Regexp {
	switch t {
	case TypeScript:
		return scriptPatterns
	case TypeMarkup:
		return markupPatterns
	case TypeStyle:
		return stylePatterns
	default:
		return dataPatterns
	}
}

// extractLine image references found on one line, in order of first
// appearance, without duplicates
func extractLine(t FileType, line string) []string {
	var refs []string
	seen := make(map[string]struct{})
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	for _, re := range patternsFor(t) {
		for _, m := range re.FindAllStringSubmatch(line, -1) {
			add(m[1])
		}
	}
	if t == TypeMarkup || t == TypeScript {
		for _, m := range srcsetPattern.FindAllStringSubmatch(line, -1) {
			for _, candidate := range strings.Split(m[1], ",") {
				if fields := strings.Fields(candidate); len(fields) > 0 && isImageRef(fields[0]) {
					add(fields[0])
				}
			}
		}
	}
	return refs
}

// stripRef drops query string and fragment
func stripRef(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	return ref
}

func isImageRef(ref string) bool {
	return formats.Supported(stripRef(ref))
}

// isExternal references the resolver never maps to the file system
func isExternal(ref string) bool {
	lower := strings.ToLower(ref)
	for _, p := range []string{"http:", "https:", "//", "data:", "mailto:", "blob:"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return strings.Contains(ref, "${") || strings.Contains(ref, "{{") || strings.Contains(ref, "<%")
}
