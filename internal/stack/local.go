package stack

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// LocalSource reads stack files from a directory tree on the local
// filesystem. Files are keyed by their path relative to the root, with the
// first path segment taken as the stack name.
type LocalSource struct {
	root     string
	patterns []string
	logger   *slog.Logger
}

// NewLocalSource creates a local filesystem source. Patterns are matched
// against file base names with filepath.Match semantics.
func NewLocalSource(root string, patterns []string, logger *slog.Logger) *LocalSource {
	return &LocalSource{
		root:     root,
		patterns: patterns,
		logger:   logger,
	}
}

// Read walks the root directory and returns all matching stack files. A
// missing root is not an error: the source logs and returns an empty map so
// the run proceeds with an empty current set.
func (s *LocalSource) Read(_ context.Context) (map[string]Record, error) {
	records := make(map[string]Record)

	if _, err := os.Stat(s.root); err != nil {
		if os.IsNotExist(err) {
			s.logger.Error("local stacks directory not found", "root", s.root)
			return records, nil
		}
		return nil, fmt.Errorf("failed to stat stacks directory %s: %w", s.root, err)
	}

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !s.matches(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path for %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		// A stack name needs a directory segment; matches sitting
		// directly in the root have none.
		stackName := firstSegment(rel)
		if stackName == rel {
			s.logger.Warn("skipping file outside a stack directory", "path", rel)
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read stack file %s: %w", path, err)
		}

		rec, err := New(stackName, d.Name(), rel, string(content))
		if err != nil {
			return err
		}

		records[rec.Key()] = rec
		s.logger.Debug("found local stack file", "path", rel, "stack", stackName)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk stacks directory %s: %w", s.root, err)
	}

	s.logger.Info("read local stacks", "root", s.root, "count", len(records))
	return records, nil
}

func (s *LocalSource) matches(name string) bool {
	for _, pattern := range s.patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func firstSegment(rel string) string {
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' {
			return rel[:i]
		}
	}
	return rel
}
