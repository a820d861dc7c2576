// Package references finds image paths referenced from source, markup, style
// and data files, and checks they still resolve after processing.
package references

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"brandmark/core/discovery"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ImageReference one occurrence of an image path in a source file
type ImageReference struct {
	SourceFile        string   `json:"sourceFile"`
	Line              int      `json:"line"`
	Type              FileType `json:"type"`
	OriginalReference string   `json:"originalReference"`
	ResolvedPath      string   `json:"resolvedPath"`
}

// ScanResult references keyed by resolved image path
type ScanResult map[string][]ImageReference

// Count total number of references
func (r ScanResult) Count() int {
	n := 0
	for _, refs := range r {
		n += len(refs)
	}
	return n
}

// Options scanner configuration
type Options struct {
	PublicDir   string
	ExcludeDirs []string
	BackupDir   string
	// files larger than this are skipped; 0 means no limit
	MaxFileSize int64
}

// DefaultOptions default scanner configuration
func DefaultOptions() Options {
	return Options{PublicDir: "public", BackupDir: ".watermark-backups", MaxFileSize: 4 << 20}
}

// Validator scans a tree for image references and validates them later
type Validator struct {
	fs      afero.Fs
	logger  *zap.Logger
	opts    Options
	skipper *discovery.Scanner

	mu       sync.Mutex
	scanned  bool
	root     string
	last     ScanResult
	existed  map[string]bool
	files    int
	scanErrs int
}

// NewValidator creates a Validator over fs; nil means the OS file system.
func NewValidator(fs afero.Fs, logger *zap.Logger, opts Options) *Validator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	skipper := discovery.NewScanner(fs, logger, discovery.Options{ExcludeDirs: opts.ExcludeDirs, BackupDir: opts.BackupDir})
	return &Validator{fs: fs, logger: logger, opts: opts, skipper: skipper}
}

// ScanCodeFilesForImageReferences walks root and records every image
// reference in a recognised source file. The result and the existence of
// each target at scan time are kept for ValidateProcessedImageReferences.
func (v *Validator) ScanCodeFilesForImageReferences(root string) (ScanResult, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	result := make(ScanResult)
	files, failures := 0, 0

	walkErr := afero.Walk(v.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			v.logger.Warn("cannot read path, skipping", zap.String("path", path), zap.Error(err))
			failures++
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if path != root && v.skipper.IsExcluded(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		ft, ok := FileTypeOf(path)
		if !ok || !info.Mode().IsRegular() {
			return nil
		}
		if v.opts.MaxFileSize > 0 && info.Size() > v.opts.MaxFileSize {
			v.logger.Debug("skipping large file", zap.String("file", path), zap.Int64("bytes", info.Size()))
			return nil
		}
		refs, err := v.scanFile(root, path, ft)
		if err != nil {
			v.logger.Warn("cannot scan file", zap.String("file", path), zap.Error(err))
			failures++
			return nil
		}
		files++
		for _, ref := range refs {
			result[ref.ResolvedPath] = append(result[ref.ResolvedPath], ref)
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	existed := make(map[string]bool, len(result))
	for target := range result {
		existed[target] = v.exists(target)
	}

	v.mu.Lock()
	v.scanned, v.root, v.last, v.existed = true, root, result, existed
	v.files, v.scanErrs = files, failures
	v.mu.Unlock()

	v.logger.Info("reference scan complete",
		zap.Int("files", files),
		zap.Int("references", result.Count()),
		zap.Int("images", len(result)))
	return result, nil
}

func (v *Validator) scanFile(root, path string, ft FileType) ([]ImageReference, error) {
	f, err := v.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := transform.NewReader(f, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var refs []ImageReference
	line := 0
	for scanner.Scan() {
		line++
		for _, raw := range extractLine(ft, scanner.Text()) {
			resolved, ok := v.Resolve(raw, path, root)
			if !ok {
				continue
			}
			refs = append(refs, ImageReference{
				SourceFile:        path,
				Line:              line,
				Type:              ft,
				OriginalReference: raw,
				ResolvedPath:      resolved,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return refs, fmt.Errorf("read %s: %w", path, err)
	}
	return refs, nil
}

// Resolve maps a reference found in sourceFile to an absolute path. A
// leading slash resolves against the public root, "./" and "../" against the
// source file's directory, and a bare name against the source directory when
// the file exists there, otherwise against the public root. External URLs
// and template expressions do not resolve.
func (v *Validator) Resolve(ref, sourceFile, root string) (string, bool) {
	if isExternal(ref) {
		return "", false
	}
	clean := stripRef(ref)
	if unescaped, err := url.PathUnescape(clean); err == nil {
		clean = unescaped
	}
	if clean == "" || !isImageRef(clean) {
		return "", false
	}
	clean = filepath.FromSlash(clean)
	public := filepath.Join(root, v.opts.PublicDir)
	dir := filepath.Dir(sourceFile)

	switch {
	case strings.HasPrefix(clean, string(filepath.Separator)):
		return filepath.Join(public, clean), true
	case strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../"):
		return filepath.Join(dir, clean), true
	}
	local := filepath.Join(dir, clean)
	if v.exists(local) {
		return local, true
	}
	return filepath.Join(public, clean), true
}

func (v *Validator) exists(path string) bool {
	ok, err := afero.Exists(v.fs, path)
	return err == nil && ok
}

// BrokenReference a reference whose target no longer exists
type BrokenReference struct {
	ImagePath string         `json:"imagePath"`
	Reference ImageReference `json:"reference"`
	Processed bool           `json:"processed"`
}

// Summary counts of a validation pass
type Summary struct {
	FilesScanned        int `json:"filesScanned"`
	ScanFailures        int `json:"scanFailures"`
	TotalReferences     int `json:"totalReferences"`
	ReferencedImages    int `json:"referencedImages"`
	ProcessedReferenced int `json:"processedReferenced"`
	Broken              int `json:"broken"`
	PreExistingBroken   int `json:"preExistingBroken"`
}

// ValidationResult outcome of ValidateProcessedImageReferences
type ValidationResult struct {
	Valid             bool              `json:"valid"`
	BrokenReferences  []BrokenReference `json:"brokenReferences"`
	PreExistingBroken []BrokenReference `json:"preExistingBroken"`
	Summary           Summary           `json:"summary"`
}

// ValidateProcessedImageReferences checks that every recorded reference still
// resolves. References whose target existed at scan time and is gone now are
// broken; targets that were already missing at scan time are reported
// separately. Scans root first when no scan was recorded for it.
func (v *Validator) ValidateProcessedImageReferences(processed []string, root string) (ValidationResult, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return ValidationResult{}, err
	}
	v.mu.Lock()
	needScan := !v.scanned || v.root != absRoot
	v.mu.Unlock()
	if needScan {
		if _, err := v.ScanCodeFilesForImageReferences(absRoot); err != nil {
			return ValidationResult{}, err
		}
	}

	v.mu.Lock()
	scan, existed, files, failures := v.last, v.existed, v.files, v.scanErrs
	v.mu.Unlock()

	processedSet := make(map[string]struct{}, len(processed))
	for _, p := range processed {
		processedSet[p] = struct{}{}
	}

	result := ValidationResult{
		BrokenReferences:  []BrokenReference{},
		PreExistingBroken: []BrokenReference{},
		Summary: Summary{
			FilesScanned:     files,
			ScanFailures:     failures,
			TotalReferences:  scan.Count(),
			ReferencedImages: len(scan),
		},
	}

	targets := make([]string, 0, len(scan))
	for t := range scan {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, target := range targets {
		_, wasProcessed := processedSet[target]
		if wasProcessed {
			result.Summary.ProcessedReferenced++
		}
		if v.exists(target) {
			continue
		}
		for _, ref := range scan[target] {
			b := BrokenReference{ImagePath: target, Reference: ref, Processed: wasProcessed}
			if existed[target] {
				result.BrokenReferences = append(result.BrokenReferences, b)
			} else {
				result.PreExistingBroken = append(result.PreExistingBroken, b)
			}
		}
	}
	result.Summary.Broken = len(result.BrokenReferences)
	result.Summary.PreExistingBroken = len(result.PreExistingBroken)
	result.Valid = len(result.BrokenReferences) == 0

	if !result.Valid {
		v.logger.Error("broken image references after processing", zap.Int("broken", result.Summary.Broken))
	}
	return result, nil
}

// PathConsistency outcome of ValidatePathConsistency
type PathConsistency struct {
	Consistent bool     `json:"consistent"`
	Missing    []string `json:"missing"`
	Unexpected []string `json:"unexpected"`
}

// ValidatePathConsistency compares two path lists as sets: Missing holds
// paths only in original, Unexpected paths only in processed.
func ValidatePathConsistency(original, processed []string) PathConsistency {
	orig := make(map[string]struct{}, len(original))
	for _, p := range original {
		orig[p] = struct{}{}
	}
	proc := make(map[string]struct{}, len(processed))
	for _, p := range processed {
		proc[p] = struct{}{}
	}

	res := PathConsistency{Missing: []string{}, Unexpected: []string{}}
	for p := range orig {
		if _, ok := proc[p]; !ok {
			res.Missing = append(res.Missing, p)
		}
	}
	for p := range proc {
		if _, ok := orig[p]; !ok {
			res.Unexpected = append(res.Unexpected, p)
		}
	}
	sort.Strings(res.Missing)
	sort.Strings(res.Unexpected)
	res.Consistent = len(res.Missing) == 0 && len(res.Unexpected) == 0
	return res
}
