// Package discovery enumerates image assets in a project tree.
package discovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"brandmark/core/formats"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ImageRecord a discovered image. Path is absolute and is the record's identity.
type ImageRecord struct {
	Path         string         `json:"path"`
	RelativePath string         `json:"relativePath"`
	Filename     string         `json:"filename"`
	Format       formats.Format `json:"format"`
	SizeBytes    int64          `json:"sizeBytes"`
	LastModified time.Time      `json:"lastModified"`
	Project      string         `json:"project"`
}

var defaultExcludedDirs = []string{
	".git", ".svn", ".hg",
	"node_modules", "bower_components", "vendor",
	"dist", "build", "out", ".next", ".nuxt",
	"coverage", ".cache",
}

// DefaultExcludedDirs directory names never descended into
func DefaultExcludedDirs() []string {
	return append([]string(nil), defaultExcludedDirs...)
}

// Options scan configuration
type Options struct {
	ProjectsDir    string
	PublicDir      string
	ExtraRoots     []string
	ExcludeDirs    []string
	BackupDir      string
	FallbackToRoot bool
}

// DefaultOptions default scan layout
func DefaultOptions() Options {
	return Options{
		ProjectsDir:    "projects",
		PublicDir:      "public",
		BackupDir:      ".watermark-backups",
		FallbackToRoot: true,
	}
}

// Scanner walks a file system for images
type Scanner struct {
	fs       afero.Fs
	logger   *zap.Logger
	opts     Options
	excluded map[string]struct{}
}

// NewScanner creates a Scanner over fs. A nil fs means the OS file system.
func NewScanner(fs afero.Fs, logger *zap.Logger, opts Options) *Scanner {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	excluded := make(map[string]struct{})
	for _, name := range defaultExcludedDirs {
		excluded[name] = struct{}{}
	}
	for _, name := range opts.ExcludeDirs {
		excluded[name] = struct{}{}
	}
	if opts.BackupDir != "" {
		excluded[filepath.Base(opts.BackupDir)] = struct{}{}
	}
	return &Scanner{fs: fs, logger: logger, opts: opts, excluded: excluded}
}

// IsExcluded reports whether a directory name is skipped
func (s *Scanner) IsExcluded(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." && name != ".." {
		return true
	}
	_, ok := s.excluded[name]
	return ok
}

type scanRoot struct {
	dir     string
	project string
}

// FindAllImages returns every supported image under the project subtrees of
// root, sorted by path. Unreadable directories are logged and skipped.
func (s *Scanner) FindAllImages(root string) ([]ImageRecord, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := s.fs.Stat(root); err != nil {
		return nil, err
	}

	roots := s.scanRoots(root)
	if len(roots) == 0 && s.opts.FallbackToRoot {
		s.logger.Info("no project or public directory found, scanning root", zap.String("root", root))
		roots = []scanRoot{{dir: root, project: filepath.Base(root)}}
	}

	seen := make(map[string]struct{})
	var records []ImageRecord
	for _, sr := range roots {
		s.logger.Debug("scanning", zap.String("dir", sr.dir), zap.String("project", sr.project))
		walkErr := afero.Walk(s.fs, sr.dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				s.logger.Warn("cannot read path, skipping", zap.String("path", path), zap.Error(err))
				if info != nil && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if info.IsDir() {
				if path != sr.dir && s.IsExcluded(info.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			format := formats.FromExtension(path)
			if format == formats.Unknown {
				return nil
			}
			if _, dup := seen[path]; dup {
				return nil
			}
			seen[path] = struct{}{}

			rel, rerr := filepath.Rel(root, path)
			if rerr != nil {
				rel = path
			}
			records = append(records, ImageRecord{
				Path:         path,
				RelativePath: filepath.ToSlash(rel),
				Filename:     info.Name(),
				Format:       format,
				SizeBytes:    info.Size(),
				LastModified: info.ModTime(),
				Project:      sr.project,
			})
			return nil
		})
		if walkErr != nil {
			s.logger.Warn("scan aborted for subtree", zap.String("dir", sr.dir), zap.Error(walkErr))
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	s.logger.Info("discovery complete", zap.Int("images", len(records)), zap.Int("roots", len(roots)))
	return records, nil
}

func (s *Scanner) scanRoots(root string) []scanRoot {
	var roots []scanRoot

	if s.opts.ProjectsDir != "" {
		projects := filepath.Join(root, s.opts.ProjectsDir)
		entries, err := afero.ReadDir(s.fs, projects)
		if err != nil && !os.IsNotExist(err) {
			s.logger.Warn("cannot list projects", zap.String("dir", projects), zap.Error(err))
		}
		for _, entry := range entries {
			if entry.IsDir() && !s.IsExcluded(entry.Name()) {
				roots = append(roots, scanRoot{dir: filepath.Join(projects, entry.Name()), project: entry.Name()})
			}
		}
	}

	if s.opts.PublicDir != "" {
		public := filepath.Join(root, s.opts.PublicDir)
		if ok, _ := afero.DirExists(s.fs, public); ok {
			roots = append(roots, scanRoot{dir: public, project: s.opts.PublicDir})
		}
	}

	for _, extra := range s.opts.ExtraRoots {
		dir := extra
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		if ok, _ := afero.DirExists(s.fs, dir); ok {
			roots = append(roots, scanRoot{dir: dir, project: filepath.Base(dir)})
		}
	}
	return roots
}

// FilterByFormat records whose format is one of fs
func FilterByFormat(records []ImageRecord, fs ...formats.Format) []ImageRecord {
	want := make(map[formats.Format]struct{}, len(fs))
	for _, f := range fs {
		want[f] = struct{}{}
	}
	var out []ImageRecord
	for _, r := range records {
		if _, ok := want[r.Format]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Stats aggregate figures over a record list
type Stats struct {
	Total      int                    `json:"total"`
	TotalBytes int64                  `json:"totalBytes"`
	ByFormat   map[formats.Format]int `json:"byFormat"`
	ByProject  map[string]int         `json:"byProject"`
}

// ComputeStats counts records by format and project
func ComputeStats(records []ImageRecord) Stats {
	stats := Stats{
		ByFormat:  make(map[formats.Format]int),
		ByProject: make(map[string]int),
	}
	for _, r := range records {
		stats.Total++
		stats.TotalBytes += r.SizeBytes
		stats.ByFormat[r.Format]++
		stats.ByProject[r.Project]++
	}
	return stats
}

// Paths paths of records in order
func Paths(records []ImageRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Path
	}
	return out
}
