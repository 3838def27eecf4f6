package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	gosync "sync"

	"github.com/marusama/semaphore/v2"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"

	"github.com/koga2020a/sftp-watch/internal/logging"
)

// ErrSessionLost is returned by Collect when a listing fails with a
// transport error or the session health check reports the connection gone.
var ErrSessionLost = errors.New("remote session lost")

// Lister lists the children of one directory on the watched tree.
// *sftp.Client satisfies it directly.
type Lister interface {
	ReadDir(path string) ([]os.FileInfo, error)
}

// AferoLister adapts an afero filesystem to Lister.
type AferoLister struct {
	Fs afero.Fs
}

// ReadDir implements Lister.
func (l AferoLister) ReadDir(p string) ([]os.FileInfo, error) {
	return afero.ReadDir(l.Fs, p)
}

// Collector enumerates a set of roots into one Snapshot.
type Collector struct {
	Lister Lister
	Roots  []string

	// Ignore holds extra exclude patterns. Hidden entries are always skipped.
	Ignore *Ignore

	// Health reports a non-nil error once the underlying session is dead.
	// nil means the lister has no session to lose.
	Health func() error

	// Parallel bounds how many roots are scanned at once. <=1 scans serially.
	Parallel int
}

// Collect scans every root and merges the results in root order, so an
// overlapping path takes the value from the last root that produced it.
// A scan that has started always runs to completion.
func (c *Collector) Collect() (Snapshot, error) {
	l := logging.Sub("scanner")
	l.Debug("scan start", "roots", c.Roots)

	results := make([]map[string]Entry, len(c.Roots))
	errs := make([]error, len(c.Roots))

	if c.Parallel <= 1 || len(c.Roots) <= 1 {
		for i, root := range c.Roots {
			results[i], errs[i] = c.scanRoot(root)
		}
	} else {
		sem := semaphore.New(c.Parallel)
		var wg gosync.WaitGroup
		for i, root := range c.Roots {
			if err := sem.Acquire(context.Background(), 1); err != nil {
				errs[i] = err
				continue
			}
			wg.Add(1)
			go func(i int, root string) {
				defer wg.Done()
				defer sem.Release(1)
				results[i], errs[i] = c.scanRoot(root)
			}(i, root)
		}
		wg.Wait()
	}

	merged := make(map[string]Entry)
	for i := range c.Roots {
		if errs[i] != nil {
			return Snapshot{}, errs[i]
		}
		for p, e := range results[i] {
			merged[p] = e
		}
	}

	l.Debug("scan complete", "entries", len(merged))
	return Snapshot{entries: merged}, nil
}

// scanRoot walks one root depth-first over an explicit stack.
func (c *Collector) scanRoot(root string) (map[string]Entry, error) {
	l := logging.Sub("scanner")
	out := make(map[string]Entry)
	stack := []string{normalizePath(root)}

	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		infos, err := c.list(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if logging.Enabled(slog.LevelDebug) {
					l.Debug("directory missing, treated as empty", "dir", dir)
				}
				continue
			}
			if transportError(err) {
				return nil, fmt.Errorf("%w: list %s: %v", ErrSessionLost, dir, err)
			}
			if c.Health != nil {
				if herr := c.Health(); herr != nil {
					return nil, fmt.Errorf("%w: list %s: %v", ErrSessionLost, dir, herr)
				}
			}
			l.Warn("listing failed", "dir", dir, "err", err)
			continue
		}

		for _, fi := range infos {
			name := fi.Name()
			if c.skip(name, fi.IsDir()) {
				continue
			}
			p := path.Join(dir, name)
			if fi.IsDir() {
				out[p+"/"] = Entry{Kind: KindDir}
				stack = append(stack, p)
				continue
			}
			out[p] = Entry{
				Kind:    KindFile,
				Size:    fi.Size(),
				ModTime: fi.ModTime().Unix(),
			}
		}
	}

	l.Debug("root scanned", "root", root, "entries", len(out))
	return out, nil
}

// transportError reports errors that mean the connection itself is gone.
// The health check can lag behind these: the SFTP client fails in-flight
// requests before the SSH client's Wait returns.
func transportError(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// list calls the lister, turning a panic into an ordinary listing error.
func (c *Collector) list(dir string) (infos []os.FileInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("list %s: panic: %v", dir, r)
		}
	}()
	return c.Lister.ReadDir(dir)
}

func (c *Collector) skip(name string, isDir bool) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	return c.Ignore.IsIgnored(name, isDir)
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return "."
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
