package main

import (
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/koga2020a/sftp-watch/internal/config"
	"github.com/koga2020a/sftp-watch/internal/logging"
	"github.com/koga2020a/sftp-watch/internal/memo"
	"github.com/koga2020a/sftp-watch/internal/render"
	"github.com/koga2020a/sftp-watch/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the monitor (default command)",
	Long: `Connect, print the current tree, then rescan every interval and
report changes until interrupted or the connection drops.

While it runs, press the memo key to type a note; Enter saves it, Esc
discards it. Ctrl-C stops the monitor.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var stdout, stderr io.Writer = os.Stdout, os.Stderr
	restore, raw := memo.MakeRaw(os.Stdin)
	defer restore()
	if raw {
		stdout, stderr = memo.NewCRLFWriter(os.Stdout), memo.NewCRLFWriter(os.Stderr)
	}
	initLogging(cfg, stdout, stderr)
	l := logging.Sub("main")

	io.WriteString(stdout, renderSummary(cfg.Summary())+"\n") //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close() //nolint:errcheck

	j, store, err := openJournal(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	rules, err := cfg.RuleSet()
	if err != nil {
		return err
	}
	var current atomic.Pointer[render.RuleSet]
	current.Store(rules)

	go func() {
		err := config.Watch(ctx, cfg.Path(), func(next *config.Config) {
			rs, err := next.RuleSet()
			if err != nil {
				return
			}
			current.Store(rs)
			l.Info("colour rules reloaded", "rules", rs.Len())
		})
		if err != nil {
			l.Warn("config hot reload disabled", "err", err)
		}
	}()

	annotator := memo.New(j, memo.Options{
		Trigger:     cfg.MemoTrigger(),
		Echo:        stdout,
		OnInterrupt: stop,
		LineMode:    !raw,
	})
	go func() {
		if err := annotator.Run(ctx, os.Stdin); err != nil {
			l.Warn("memo input stopped", "err", err)
		}
	}()

	daemon := watch.NewDaemon(newCollector(cfg, b), j, watch.Options{
		Interval: cfg.PollInterval(),
		Console:  render.NewConsole(stdout, render.DetectColor(os.Stdout)),
		Rules:    current.Load,
	})
	return daemon.Run(ctx)
}
