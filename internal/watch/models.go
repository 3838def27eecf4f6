package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// Kind distinguishes files from directories.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is the metadata recorded for one remote path.
// Size and ModTime are meaningful for files only.
type Entry struct {
	Kind    Kind
	Size    int64
	ModTime int64 // unix seconds
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Kind == KindDir }

// entryJSON is the on-disk shape of an entry in the state file.
type entryJSON struct {
	Size  *int64 `json:"size,omitempty"`
	Mtime *int64 `json:"mtime,omitempty"`
	IsDir bool   `json:"is_dir"`
}

// Snapshot is an immutable path→Entry mapping of the watched tree at one
// poll cycle. Directory keys end with "/".
type Snapshot struct {
	entries map[string]Entry
}

// NewSnapshot copies m into a new Snapshot.
func NewSnapshot(m map[string]Entry) Snapshot {
	entries := make(map[string]Entry, len(m))
	for p, e := range m {
		entries[p] = e
	}
	return Snapshot{entries: entries}
}

// Len returns the number of entries.
func (s Snapshot) Len() int { return len(s.entries) }

// Get returns the entry stored under path.
func (s Snapshot) Get(path string) (Entry, bool) {
	e, ok := s.entries[path]
	return e, ok
}

// Paths returns every key in lexicographic order.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Files returns the file entries keyed by path.
func (s Snapshot) Files() map[string]Entry {
	return s.filter(KindFile)
}

// Dirs returns the directory entries keyed by path (with trailing "/").
func (s Snapshot) Dirs() map[string]Entry {
	return s.filter(KindDir)
}

func (s Snapshot) filter(k Kind) map[string]Entry {
	out := make(map[string]Entry)
	for p, e := range s.entries {
		if e.Kind == k {
			out[p] = e
		}
	}
	return out
}

// MarshalJSON writes the state-file form: {"path": {"size", "mtime", "is_dir"}}.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]entryJSON, len(s.entries))
	for p, e := range s.entries {
		if e.IsDir() {
			out[p] = entryJSON{IsDir: true}
			continue
		}
		size, mtime := e.Size, e.ModTime
		out[p] = entryJSON{Size: &size, Mtime: &mtime}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the state-file form.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var in map[string]entryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	entries := make(map[string]Entry, len(in))
	for p, ej := range in {
		if ej.IsDir {
			if !strings.HasSuffix(p, "/") {
				p += "/"
			}
			entries[p] = Entry{Kind: KindDir}
			continue
		}
		e := Entry{Kind: KindFile}
		if ej.Size != nil {
			e.Size = *ej.Size
		}
		if ej.Mtime != nil {
			e.ModTime = *ej.Mtime
		}
		entries[p] = e
	}
	s.entries = entries
	return nil
}
