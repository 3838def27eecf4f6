package watch

import (
	"sort"

	"github.com/samber/lo"
)

// EventKind classifies one change between two snapshots.
type EventKind int

const (
	AddDir EventKind = iota
	DelDir
	AddFile
	DelFile
	ModSize
	ModTime
)

var eventKindNames = [...]string{"ADD_DIR", "DEL_DIR", "ADD_FILE", "DEL_FILE", "MOD_SIZE", "MOD_TIME"}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "UNKNOWN"
}

// ChangeEvent is one classified difference for a single path.
// Before is set for removals and modifications, After for additions and
// modifications.
type ChangeEvent struct {
	Kind   EventKind
	Path   string
	Before Entry
	After  Entry
}

// Classify compares two snapshots and returns the events in reporting
// order: dir adds, dir removals, file adds, file removals, size changes,
// mtime changes. Each group is sorted by path. A size change wins over an
// mtime change on the same file.
func Classify(prev, cur Snapshot) []ChangeEvent {
	prevFiles, curFiles := prev.Files(), cur.Files()
	prevDirs, curDirs := prev.Dirs(), cur.Dirs()

	var events []ChangeEvent
	for _, p := range missingFrom(curDirs, prevDirs) {
		events = append(events, ChangeEvent{Kind: AddDir, Path: p, After: curDirs[p]})
	}
	for _, p := range missingFrom(prevDirs, curDirs) {
		events = append(events, ChangeEvent{Kind: DelDir, Path: p, Before: prevDirs[p]})
	}
	for _, p := range missingFrom(curFiles, prevFiles) {
		events = append(events, ChangeEvent{Kind: AddFile, Path: p, After: curFiles[p]})
	}
	for _, p := range missingFrom(prevFiles, curFiles) {
		events = append(events, ChangeEvent{Kind: DelFile, Path: p, Before: prevFiles[p]})
	}

	common := lo.Intersect(lo.Keys(prevFiles), lo.Keys(curFiles))
	sort.Strings(common)

	var sizeMods, timeMods []ChangeEvent
	for _, p := range common {
		before, after := prevFiles[p], curFiles[p]
		switch {
		case before.Size != after.Size:
			sizeMods = append(sizeMods, ChangeEvent{Kind: ModSize, Path: p, Before: before, After: after})
		case before.ModTime != after.ModTime:
			timeMods = append(timeMods, ChangeEvent{Kind: ModTime, Path: p, Before: before, After: after})
		}
	}
	events = append(events, sizeMods...)
	return append(events, timeMods...)
}

// missingFrom returns the sorted keys of a that are absent from b.
func missingFrom(a, b map[string]Entry) []string {
	keys := lo.Filter(lo.Keys(a), func(p string, _ int) bool {
		_, ok := b[p]
		return !ok
	})
	sort.Strings(keys)
	return keys
}
