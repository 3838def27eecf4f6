// Package render turns snapshots and change events into console text:
// palette escapes, user colour rules, the initial tree and digest blocks.
package render

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/muesli/termenv"
)

// Palette names understood by Token. ORANGE has no distinct 16-colour
// code and shares YELLOW's.
var palette = map[string]termenv.ANSIColor{
	"RED":     termenv.ANSIBrightRed,
	"GREEN":   termenv.ANSIBrightGreen,
	"YELLOW":  termenv.ANSIBrightYellow,
	"ORANGE":  termenv.ANSIBrightYellow,
	"BLUE":    termenv.ANSIBrightBlue,
	"MAGENTA": termenv.ANSIBrightMagenta,
	"CYAN":    termenv.ANSIBrightCyan,
	"WHITE":   termenv.ANSIBrightWhite,
}

// Reset ends any colour started by Token.
var Reset = termenv.CSI + termenv.ResetSeq + "m"

// Token returns the escape that starts the named colour.
// Unknown names fall back to WHITE.
func Token(name string) string {
	c, ok := palette[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		c = termenv.ANSIBrightWhite
	}
	return termenv.CSI + c.Sequence(false) + "m"
}

// Wrap surrounds s with the named colour and a reset.
func Wrap(color, s string) string {
	return Token(color) + s + Reset
}

var escapeRE = regexp.MustCompile("\x1b\\[[0-9;]*m")

// Strip removes every colour escape from s.
func Strip(s string) string {
	return escapeRE.ReplaceAllString(s, "")
}

// Rule is one user colour rule. Match is a literal for exact rules and a
// regular expression for regex rules.
type Rule struct {
	Match string
	Color string
}

type compiledRule struct {
	re    *regexp.Regexp
	color string
}

// RuleSet applies exact rules (case-insensitive literals) and then regex
// rules to a line of text. A nil RuleSet leaves text unchanged.
type RuleSet struct {
	exact []compiledRule
	regex []compiledRule
}

// NewRuleSet compiles the given rules in order.
func NewRuleSet(exact, regex []Rule) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, r := range exact {
		if r.Match == "" {
			return nil, fmt.Errorf("exact colour rule with empty string")
		}
		rs.exact = append(rs.exact, compiledRule{
			re:    regexp.MustCompile("(?i)" + regexp.QuoteMeta(r.Match)),
			color: r.Color,
		})
	}
	for _, r := range regex {
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return nil, fmt.Errorf("regex colour rule %q: %w", r.Match, err)
		}
		rs.regex = append(rs.regex, compiledRule{re: re, color: r.Color})
	}
	return rs, nil
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.exact) + len(rs.regex)
}

// Apply wraps every match of every rule in its colour. Later rules see
// the escapes inserted by earlier ones, so overlapping rules nest.
func (rs *RuleSet) Apply(text string) string {
	if rs == nil {
		return text
	}
	for _, group := range [][]compiledRule{rs.exact, rs.regex} {
		for _, r := range group {
			color := r.color
			text = r.re.ReplaceAllStringFunc(text, func(m string) string {
				return Wrap(color, m)
			})
		}
	}
	return text
}

// Console writes lines to a shared output, dropping escapes when colour
// is off. Safe for concurrent use.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer, color bool) *Console {
	return &Console{w: w, color: color}
}

// Println writes one line.
func (c *Console) Println(line string) {
	if !c.color {
		line = Strip(line)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.w, line+"\n") //nolint:errcheck
}

// DetectColor reports whether f looks like a terminal that renders colour.
func DetectColor(f *os.File) bool {
	return termenv.NewOutput(f).EnvColorProfile() != termenv.Ascii
}
