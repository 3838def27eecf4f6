package watch

import (
	"fmt"
	"path"
	"strings"
)

// Ignore holds exclude patterns from the configuration.
// Entries matching any pattern are skipped exactly like hidden entries.
type Ignore struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern string
	dirOnly bool // trailing / in source line
}

// NewIgnore builds an Ignore from glob patterns. Blank lines and lines
// starting with # are dropped.
func NewIgnore(lines []string) *Ignore {
	ig := &Ignore{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p := ignorePattern{pattern: line}
		if strings.HasSuffix(line, "/") {
			p.pattern = strings.TrimSuffix(line, "/")
			p.dirOnly = true
		}
		ig.patterns = append(ig.patterns, p)
	}
	return ig
}

// Validate reports the first malformed pattern. IsIgnored treats a
// malformed pattern as matching nothing.
func (ig *Ignore) Validate() error {
	if ig == nil {
		return nil
	}
	for _, p := range ig.patterns {
		if _, err := path.Match(p.pattern, ""); err != nil {
			return fmt.Errorf("exclude pattern %q: %w", p.pattern, err)
		}
	}
	return nil
}

// IsIgnored returns true if the given entry name matches any pattern.
// For dirOnly patterns, isDir must be true for the pattern to match.
func (ig *Ignore) IsIgnored(name string, isDir bool) bool {
	if ig == nil {
		return false
	}
	for _, p := range ig.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if matched, _ := path.Match(p.pattern, name); matched {
			return true
		}
	}
	return false
}
