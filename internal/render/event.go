package render

import (
	"fmt"
	"strings"
	"time"
)

// Separator opens every change block.
const Separator = "------------------"

// Line formats one change line: a fixed-width tag, the parent prefix and
// the base name, with tag and name in color. Directory names get a "/".
func Line(tag, color, p string, dir bool, suffix string) string {
	key := strings.TrimSuffix(p, "/")
	prefix, name := "", key
	if i := strings.LastIndex(key, "/"); i >= 0 {
		prefix, name = key[:i+1], key[i+1:]
	}
	if dir {
		name += "/"
	}
	return Wrap(color, fmt.Sprintf("%-6s", tag)) + " " + prefix + Wrap(color, name) + suffix
}

// FormatElapsed renders d as "Ns", "Mm Ss" or "Hh Mm Ss", truncated to whole seconds.
func FormatElapsed(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// DigestHeader is the title line of a change block. last is the time of
// the previous change block; the zero time means there was none.
func DigestHeader(ts, last time.Time, rules *RuleSet) string {
	elapsed := ""
	if !last.IsZero() {
		elapsed = " (elapsed: " + FormatElapsed(ts.Sub(last)) + ")"
	}
	return fmt.Sprintf("-----  %s  changes detected%s  -----", rules.Apply(ts.Format(TimeLayout)), elapsed)
}
