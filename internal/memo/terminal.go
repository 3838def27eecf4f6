package memo

import (
	"bytes"
	"io"
	"os"
	gosync "sync"

	"golang.org/x/term"

	"github.com/koga2020a/sftp-watch/internal/logging"
)

// MakeRaw switches f to raw mode when it is a terminal, so keystrokes
// arrive without waiting for Enter. The returned restore func is always
// safe to call; ok is false when f was left untouched.
func MakeRaw(f *os.File) (restore func(), ok bool) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, false
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		logging.Sub("memo").Warn("raw mode unavailable, memo input is line-buffered", "err", err)
		return func() {}, false
	}
	return func() {
		if err := term.Restore(fd, state); err != nil {
			logging.Sub("memo").Warn("terminal restore failed", "err", err)
		}
	}, true
}

// IsTerminal reports whether f is a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// CRLFWriter turns "\n" into "\r\n" so output lines start at column 0
// while the terminal is in raw mode. Safe for concurrent use.
type CRLFWriter struct {
	mu gosync.Mutex
	w  io.Writer
}

// NewCRLFWriter wraps w.
func NewCRLFWriter(w io.Writer) *CRLFWriter {
	return &CRLFWriter{w: w}
}

// Write implements io.Writer. It reports len(p) on success.
func (c *CRLFWriter) Write(p []byte) (int, error) {
	out := bytes.ReplaceAll(p, []byte("\r\n"), []byte("\n"))
	out = bytes.ReplaceAll(out, []byte("\n"), []byte("\r\n"))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}
