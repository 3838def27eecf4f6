package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/koga2020a/sftp-watch/internal/config"
	"github.com/koga2020a/sftp-watch/internal/journal"
	"github.com/koga2020a/sftp-watch/internal/logging"
	"github.com/koga2020a/sftp-watch/internal/remote"
	"github.com/koga2020a/sftp-watch/internal/watch"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "sftp-watch",
	Short: "Poll remote directory trees and report changes",
	Long: `sftp-watch lists one or more directory trees over SFTP at a fixed
interval and reports every added, removed or modified entry.

Changes go to the console, a CSV change log (with per-day copies), a
plain-text digest and an optional SQLite history. Press the memo key
(default "m") while it runs to attach a note to the timeline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "config file (.yaml, .toml, .json or .ini)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	rootCmd.AddCommand(watchCmd, snapshotCmd, stateCmd, historyCmd, configCmd, memoCmd)
}

// loadConfig reads the config named by --config and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func initLogging(cfg *config.Config, stdout, stderr io.Writer) {
	logging.Init(logging.Options{
		Dir:    cfg.LogDir,
		Level:  cfg.LogLevel,
		Stdout: stdout,
		Stderr: stderr,
	})
}

// backend is an open source of directory listings.
type backend struct {
	lister watch.Lister
	health func() error
	close  func() error
}

// openBackend connects to the configured server, or wraps the local
// filesystem for backend: local.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.Backend == config.BackendLocal {
		return &backend{
			lister: watch.AferoLister{Fs: afero.NewOsFs()},
			close:  func() error { return nil },
		}, nil
	}
	sess, err := remote.Dial(ctx, cfg.RemoteOptions())
	if err != nil {
		return nil, err
	}
	return &backend{lister: sess, health: sess.Health, close: sess.Close}, nil
}

func newCollector(cfg *config.Config, b *backend) *watch.Collector {
	return &watch.Collector{
		Lister:   b.lister,
		Roots:    cfg.Dirs,
		Ignore:   watch.NewIgnore(cfg.Exclude),
		Health:   b.health,
		Parallel: cfg.MaxParallelRoots,
	}
}

// openJournal builds the output sinks. The returned store is nil when
// the history database is disabled.
func openJournal(cfg *config.Config) (*journal.Journal, *journal.Store, error) {
	var store *journal.Store
	if p := cfg.HistoryPath(); p != "" {
		s, err := journal.OpenStore(p)
		if err != nil {
			return nil, nil, err
		}
		store = s
	}
	return journal.New(cfg.JournalPaths(), store), store, nil
}

func openHistory(cfg *config.Config) (*journal.Store, error) {
	p := cfg.HistoryPath()
	if p == "" {
		return nil, fmt.Errorf("history_db is disabled in %s", cfg.Path())
	}
	if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("history database: %w", err)
	}
	return journal.OpenStore(p)
}
