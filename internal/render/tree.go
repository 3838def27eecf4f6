package render

import (
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// TimeLayout is the timestamp format used on the console and in logs.
const TimeLayout = "2006-01-02 15:04:05"

var numbers = message.NewPrinter(language.English)

// FormatSize renders n with thousands separators ("1,234").
func FormatSize(n int64) string {
	return numbers.Sprintf("%d", n)
}

// FormatTime renders a unix-seconds timestamp in local time.
func FormatTime(unix int64) string {
	return time.Unix(unix, 0).Format(TimeLayout)
}

// TreeEntry is one snapshot path as the tree printer sees it.
type TreeEntry struct {
	Path string // directories end with "/"
	Dir  bool
	Size int64
}

// Tree renders entries as an indented tree. Parents that are not
// themselves entries (the scan roots) become top-level headers.
// Siblings are listed in lexicographic order, two spaces per level.
func Tree(entries []TreeEntry, rules *RuleSet) []string {
	children := make(map[string][]TreeEntry)
	dirs := make(map[string]bool)
	for _, e := range entries {
		key := strings.TrimSuffix(e.Path, "/")
		if e.Dir {
			dirs[key] = true
		}
		parent := path.Dir(key)
		children[parent] = append(children[parent], e)
	}
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	}

	var tops []string
	for parent := range children {
		if !dirs[parent] {
			tops = append(tops, parent)
		}
	}
	sort.Strings(tops)

	type frame struct {
		entry TreeEntry
		level int
	}

	var lines []string
	for _, top := range tops {
		header := top
		if !strings.HasSuffix(header, "/") {
			header += "/"
		}
		lines = append(lines, rules.Apply(Wrap("BLUE", header)))

		var stack []frame
		push := func(parent string, level int) {
			list := children[parent]
			for i := len(list) - 1; i >= 0; i-- {
				stack = append(stack, frame{entry: list[i], level: level})
			}
		}
		push(top, 1)

		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			key := strings.TrimSuffix(f.entry.Path, "/")
			indent := strings.Repeat("  ", f.level)
			name := path.Base(key)
			if f.entry.Dir {
				lines = append(lines, indent+rules.Apply(Wrap("BLUE", name+"/")))
				push(key, f.level+1)
				continue
			}
			lines = append(lines, indent+rules.Apply(Wrap("WHITE", name))+" size="+FormatSize(f.entry.Size))
		}
	}
	return lines
}
