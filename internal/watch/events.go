package watch

import (
	"strconv"
	"time"

	"github.com/koga2020a/sftp-watch/internal/journal"
	"github.com/koga2020a/sftp-watch/internal/render"
)

// Line renders the event in its kind colour, before colour rules.
func (e ChangeEvent) Line() string {
	switch e.Kind {
	case AddDir:
		return render.Line("[ADD]", "BLUE", e.Path, true, " (directory)")
	case DelDir:
		return render.Line("[DEL]", "BLUE", e.Path, true, " (directory)")
	case AddFile:
		return render.Line("[ADD]", "CYAN", e.Path, false, " size="+render.FormatSize(e.After.Size))
	case DelFile:
		return render.Line("[DEL]", "CYAN", e.Path, false, " was size="+render.FormatSize(e.Before.Size))
	case ModSize:
		return render.Line("[MOD]", "ORANGE", e.Path, false,
			" "+render.FormatSize(e.Before.Size)+" -> "+render.FormatSize(e.After.Size))
	case ModTime:
		return render.Line("[DATE]", "ORANGE", e.Path, false,
			" size="+render.FormatSize(e.After.Size)+" "+render.FormatTime(e.Before.ModTime)+" -> "+render.FormatTime(e.After.ModTime))
	}
	return e.Path
}

// Record converts the event into a change-log row stamped with ts.
func (e ChangeEvent) Record(ts time.Time) journal.Record {
	r := journal.Record{Time: ts, Kind: e.Kind.String(), Subject: e.Path}
	switch e.Kind {
	case AddFile:
		r.Fields = []string{itoa(e.After.Size)}
	case DelFile:
		r.Fields = []string{itoa(e.Before.Size)}
	case ModSize:
		r.Fields = []string{itoa(e.Before.Size), itoa(e.After.Size)}
	case ModTime:
		r.Fields = []string{itoa(e.After.Size), render.FormatTime(e.Before.ModTime), render.FormatTime(e.After.ModTime)}
	}
	return r
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// TreeEntries converts the snapshot for render.Tree.
func (s Snapshot) TreeEntries() []render.TreeEntry {
	out := make([]render.TreeEntry, 0, len(s.entries))
	for _, p := range s.Paths() {
		e := s.entries[p]
		out = append(out, render.TreeEntry{Path: p, Dir: e.IsDir(), Size: e.Size})
	}
	return out
}
