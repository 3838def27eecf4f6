// Package memo captures operator notes typed while the monitor runs.
//
// The annotator reads keystrokes one rune at a time. Pressing the trigger
// key opens a prompt; Enter saves the typed text, Esc discards it.
package memo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode"

	"github.com/koga2020a/sftp-watch/internal/logging"
)

const (
	keyInterrupt = 0x03
	keyBackspace = 0x08
	keyEsc       = 0x1b
	keyDelete    = 0x7f
)

// maxReadErrors stops the read loop after this many consecutive failures.
const maxReadErrors = 5

// Sink stores one annotation.
type Sink interface {
	AppendMemo(ts time.Time, text string) error
}

// Options configures an Annotator.
type Options struct {
	Trigger rune      // default 'm'
	Echo    io.Writer // prompt and typed text; nil discards
	// OnInterrupt runs when Ctrl-C arrives as a keystroke (raw mode).
	OnInterrupt func()
	Now         func() time.Time
	// LineMode is set when the input is line-buffered. The trigger only
	// counts as the first rune of a line, and the Enter that delivers it
	// must not close the empty prompt.
	LineMode bool
}

// Annotator turns keystrokes into saved notes.
type Annotator struct {
	sink Sink
	opts Options

	capturing bool
	buf       []rune
	midLine   bool // LineMode: a non-trigger rune was seen on this line
}

// New creates an annotator writing notes to sink.
func New(sink Sink, opts Options) *Annotator {
	if opts.Trigger == 0 {
		opts.Trigger = 'm'
	}
	if opts.Echo == nil {
		opts.Echo = io.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Annotator{sink: sink, opts: opts}
}

// Run reads keystrokes from r until EOF or ctx is done. A read blocked on
// r is not interrupted by ctx; the loop exits after the next keystroke.
func (a *Annotator) Run(ctx context.Context, r io.Reader) error {
	l := logging.Sub("memo")
	l.Debug("annotator started", "trigger", string(a.opts.Trigger))

	br := bufio.NewReader(r)
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		ch, _, err := br.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.Debug("annotator input closed")
				return nil
			}
			failures++
			l.Warn("keystroke read failed", "err", err)
			if failures >= maxReadErrors {
				return fmt.Errorf("read keystrokes: %w", err)
			}
			continue
		}
		failures = 0
		a.Handle(ch)
	}
}

// Handle feeds one keystroke into the capture state machine.
func (a *Annotator) Handle(ch rune) {
	if !a.capturing {
		switch {
		case ch == keyInterrupt:
			a.interrupt()
		case ch == '\r' || ch == '\n':
			a.midLine = false
		case unicode.ToLower(ch) == unicode.ToLower(a.opts.Trigger) && !a.midLine:
			a.capturing = true
			a.buf = a.buf[:0]
			a.echo("\nmemo> ")
		default:
			a.midLine = a.opts.LineMode
		}
		return
	}

	switch ch {
	case '\r', '\n':
		if len(a.buf) == 0 && a.opts.LineMode {
			return
		}
		text := string(a.buf)
		a.reset()
		a.echo("\n")
		if text == "" {
			return
		}
		if err := a.Submit(text); err != nil {
			logging.Sub("memo").Error("memo write failed", "err", err)
			return
		}
		a.echo("[memo saved]\n")
	case keyEsc:
		a.reset()
		a.echo("\n[memo cancelled]\n")
	case keyBackspace, keyDelete:
		if len(a.buf) > 0 {
			a.buf = a.buf[:len(a.buf)-1]
			a.echo("\b \b")
		}
	case keyInterrupt:
		a.reset()
		a.echo("\n")
		a.interrupt()
	default:
		if unicode.IsPrint(ch) {
			a.buf = append(a.buf, ch)
			a.echo(string(ch))
		}
	}
}

// Capturing reports whether a note is being typed.
func (a *Annotator) Capturing() bool { return a.capturing }

// Submit stores text as a note stamped with the current time.
func (a *Annotator) Submit(text string) error {
	ts := a.opts.Now()
	if err := a.sink.AppendMemo(ts, text); err != nil {
		return err
	}
	logging.Sub("memo").Info("memo saved", "len", len(text))
	return nil
}

func (a *Annotator) reset() {
	a.capturing = false
	a.buf = a.buf[:0]
	a.midLine = false
}

func (a *Annotator) interrupt() {
	if a.opts.OnInterrupt != nil {
		a.opts.OnInterrupt()
	}
}

func (a *Annotator) echo(s string) {
	io.WriteString(a.opts.Echo, s) //nolint:errcheck
}
