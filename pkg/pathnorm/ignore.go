package pathnorm

import (
	"bufio"
	"io"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Ignorer matches canonical paths against the gitignore-style patterns
// of a .cozyignore file. Only the local watcher consults it: ignored
// local paths produce no events and are not uploaded, but changes
// arriving from the remote feed are not filtered by these patterns.
type Ignorer struct {
	patterns []string
}

// ParseIgnoreFile reads gitignore-style patterns, one per line, skipping
// blank lines and '#' comments.
func ParseIgnoreFile(r io.Reader) (*Ignorer, error) {
	var patterns []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Ignorer{patterns: patterns}, nil
}

// Match reports whether the canonical path matches any configured
// pattern, checking both the full path and each ancestor directory (so
// that a pattern like "node_modules" ignores everything beneath it).
func (ig *Ignorer) Match(canonicalPath string) bool {
	if ig == nil {
		return false
	}
	segments := strings.Split(canonicalPath, "/")
	for i := range segments {
		candidate := strings.Join(segments[:i+1], "/")
		for _, pattern := range ig.patterns {
			if ok, _ := doublestar.Match(pattern, candidate); ok {
				return true
			}
			if ok, _ := doublestar.Match(pattern, segments[i]); ok {
				return true
			}
		}
	}
	return false
}
