package watch

import (
	"context"
	"time"

	"github.com/koga2020a/sftp-watch/internal/journal"
	"github.com/koga2020a/sftp-watch/internal/logging"
	"github.com/koga2020a/sftp-watch/internal/render"
)

// Options tunes the daemon's poll loop and output.
type Options struct {
	Interval time.Duration
	// Slice is the granularity at which the poll wait notices shutdown.
	Slice   time.Duration
	Console *render.Console
	// Rules returns the colour rules for the current cycle. It is called
	// once per render so rules can be swapped while the daemon runs.
	Rules func() *render.RuleSet
}

// Daemon runs the poll loop: scan, classify against the previous
// snapshot, report, persist.
type Daemon struct {
	collector *Collector
	journal   *journal.Journal
	opts      Options

	lastChange time.Time
}

// NewDaemon creates a new daemon. Zero Slice means one second.
func NewDaemon(c *Collector, j *journal.Journal, opts Options) *Daemon {
	if opts.Slice <= 0 {
		opts.Slice = time.Second
	}
	if opts.Rules == nil {
		opts.Rules = func() *render.RuleSet { return nil }
	}
	return &Daemon{collector: c, journal: j, opts: opts}
}

// Run scans once, prints the tree and then polls until ctx is cancelled
// (returns nil) or the session is lost (returns an error wrapping
// ErrSessionLost).
func (d *Daemon) Run(ctx context.Context) error {
	l := logging.Sub("daemon")
	l.Info("monitor starting", "roots", d.collector.Roots, "interval", d.opts.Interval)

	baseline, err := d.collector.Collect()
	if err != nil {
		l.Error("initial scan failed", "err", err)
		return err
	}
	d.printTree(baseline)
	d.persist(baseline)
	l.Info("initial scan complete", "entries", baseline.Len())

	for {
		if err := sleepSliced(ctx, d.opts.Interval, d.opts.Slice); err != nil {
			l.Info("monitor stopping, context cancelled")
			return nil
		}

		ts := nowFunc()
		current, err := d.collector.Collect()
		if err != nil {
			l.Error("scan aborted", "err", err)
			return err
		}
		baseline = d.cycle(ts, baseline, current)
	}
}

// cycle reports the difference between prev and cur and persists cur,
// which becomes the next baseline.
func (d *Daemon) cycle(ts time.Time, prev, cur Snapshot) Snapshot {
	l := logging.Sub("daemon")
	events := Classify(prev, cur)
	if len(events) > 0 {
		d.report(ts, events)
	} else {
		l.Debug("no changes", "entries", cur.Len())
	}
	d.persist(cur)
	return cur
}

func (d *Daemon) report(ts time.Time, events []ChangeEvent) {
	l := logging.Sub("daemon")
	rules := d.opts.Rules()

	header := render.DigestHeader(ts, d.lastChange, rules)
	d.println(render.Separator)
	d.println(header)

	digest := make([]string, 0, len(events))
	records := make([]journal.Record, 0, len(events))
	for _, ev := range events {
		line := ev.Line()
		d.println(rules.Apply(line))
		digest = append(digest, rules.Apply(render.Strip(line)))
		records = append(records, ev.Record(ts))
	}

	if err := d.journal.AppendRecords(records); err != nil {
		l.Error("change log write failed", "err", err)
	}
	if err := d.journal.AppendDigest(header, digest); err != nil {
		l.Error("digest write failed", "err", err)
	}
	d.lastChange = ts
	l.Info("changes detected", "count", len(events))
}

func (d *Daemon) printTree(s Snapshot) {
	for _, line := range render.Tree(s.TreeEntries(), d.opts.Rules()) {
		d.println(line)
	}
}

func (d *Daemon) persist(s Snapshot) {
	if err := d.journal.WriteState(s); err != nil {
		logging.Sub("daemon").Error("state write failed", "err", err)
	}
}

func (d *Daemon) println(line string) {
	if d.opts.Console != nil {
		d.opts.Console.Println(line)
	}
}

// sleepSliced waits total in timer slices of at most slice and returns
// ctx.Err() early on cancellation.
func sleepSliced(ctx context.Context, total, slice time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if slice <= 0 || slice > total {
		slice = total
	}
	deadline := time.Now().Add(total)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wait := slice
		if remaining < wait {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
