// Package source feeds filesystem documents into a vecmemo service. A
// directory tree is scanned with gitignore-style filtering; each text file
// becomes a document keyed by a stable 64-bit id derived from its relative
// path.
package source

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Document is one file prepared for ingestion.
type Document struct {
	SourceID     int64
	Path         string
	RelativePath string
	Text         string
}

// ScannerConfig configures directory scanning.
type ScannerConfig struct {
	SourceType     string // tag used for enqueued documents
	IgnorePatterns []string
	MaxFileSize    int64
}

// DefaultScannerConfig returns sensible defaults for scanning.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		SourceType: "file",
		IgnorePatterns: []string{
			".git/**",
			".vecmemo/**",
			"node_modules/**",
			"vendor/**",
			"*.lock",
			"go.sum",
			"package-lock.json",
			"yarn.lock",
		},
		MaxFileSize: 1024 * 1024, // 1MB
	}
}

// Scanner walks a directory tree and yields documents.
type Scanner struct {
	root   string
	config ScannerConfig
}

// NewScanner creates a scanner rooted at the given directory.
func NewScanner(root string, cfg ScannerConfig) (*Scanner, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	if cfg.SourceType == "" {
		cfg.SourceType = DefaultScannerConfig().SourceType
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultScannerConfig().MaxFileSize
	}
	return &Scanner{root: abs, config: cfg}, nil
}

// SourceType returns the tag documents are enqueued under.
func (s *Scanner) SourceType() string {
	return s.config.SourceType
}

// Root returns the absolute scan root.
func (s *Scanner) Root() string {
	return s.root
}

// SourceID derives the stable 64-bit id for a path relative to the root.
func SourceID(relativePath string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(filepath.ToSlash(relativePath)))
	return int64(h.Sum64())
}

// Scan walks the tree and returns every indexable text document.
func (s *Scanner) Scan(ctx context.Context) ([]Document, error) {
	matcher, err := s.buildIgnoreMatcher()
	if err != nil {
		return nil, fmt.Errorf("build ignore matcher: %w", err)
	}

	var docs []Document
	err = filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		relPath, err := filepath.Rel(s.root, p)
		if err != nil {
			relPath = p
		}
		if relPath != "." && matcher.MatchesPath(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.Size() > s.config.MaxFileSize {
			return nil
		}

		doc, ok := s.Load(relPath)
		if !ok {
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil && err != context.Canceled {
		return nil, fmt.Errorf("walk %s: %w", s.root, err)
	}
	return docs, nil
}

// Load reads a single file under the root as a document. Binary files are
// reported as not ok.
func (s *Scanner) Load(relativePath string) (Document, bool) {
	full := filepath.Join(s.root, relativePath)
	content, err := os.ReadFile(full)
	if err != nil || !isText(content) {
		return Document{}, false
	}
	return Document{
		SourceID:     SourceID(relativePath),
		Path:         full,
		RelativePath: relativePath,
		Text:         string(content),
	}, true
}

// buildIgnoreMatcher combines configured patterns with the root's .gitignore.
func (s *Scanner) buildIgnoreMatcher() (*gitignore.GitIgnore, error) {
	patterns := make([]string, len(s.config.IgnorePatterns))
	copy(patterns, s.config.IgnorePatterns)

	if content, err := os.ReadFile(filepath.Join(s.root, ".gitignore")); err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				patterns = append(patterns, line)
			}
		}
	}
	return gitignore.CompileIgnoreLines(patterns...), nil
}

// isText checks the first 8KB for null bytes and invalid UTF-8.
func isText(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	sample := content
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	for _, b := range sample {
		if b == 0 {
			return false
		}
	}
	return utf8.Valid(sample)
}
