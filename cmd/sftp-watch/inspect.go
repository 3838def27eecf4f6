package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/koga2020a/sftp-watch/internal/journal"
	"github.com/koga2020a/sftp-watch/internal/render"
	"github.com/koga2020a/sftp-watch/internal/watch"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Scan once and print the tree",
	RunE: func(cmd *cobra.Command, _ []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		initLogging(cfg, os.Stderr, os.Stderr)

		b, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.close() //nolint:errcheck

		snap, err := newCollector(cfg, b).Collect()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		rules, _ := cfg.RuleSet()
		printTree(out, snap, rules)
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print a saved state file as a tree",
	RunE: func(cmd *cobra.Command, _ []string) error {
		file, _ := cmd.Flags().GetString("file")
		var rules *render.RuleSet
		if file == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			file = cfg.JournalPaths().StateFile
			rules, _ = cfg.RuleSet()
		}
		var snap watch.Snapshot
		if err := journal.ReadState(file, &snap); err != nil {
			return err
		}
		printTree(cmd.OutOrStdout(), snap, rules)
		return nil
	},
}

func printTree(w io.Writer, snap watch.Snapshot, rules *render.RuleSet) {
	color := false
	if f, ok := w.(*os.File); ok {
		color = render.DetectColor(f)
	}
	console := render.NewConsole(w, color)
	for _, line := range render.Tree(snap.TreeEntries(), rules) {
		console.Println(line)
	}
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the change history database",
	Example: `  sftp-watch history --since 24h --kind MOD_SIZE
  sftp-watch history --path /srv/in/ --limit 20`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		since, _ := cmd.Flags().GetDuration("since")
		kind, _ := cmd.Flags().GetString("kind")
		prefix, _ := cmd.Flags().GetString("path")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		q := journal.Query{Kind: kind, Prefix: prefix, Limit: limit}
		if since > 0 {
			q.Since = time.Now().Add(-since)
		}
		recs, err := store.Query(q)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range recs {
			fmt.Fprintln(out, strings.Join(r.Row(), "  "))
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "no matching records")
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with credentials masked",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg.Redacted())
	},
}

var memoCmd = &cobra.Command{
	Use:   "memo <text>",
	Short: "Append a note to the memo log and change history",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		initLogging(cfg, os.Stderr, os.Stderr)

		j, store, err := openJournal(cfg)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return fmt.Errorf("empty memo")
		}
		return j.AppendMemo(time.Now(), text)
	},
}

func init() {
	snapshotCmd.Flags().Bool("json", false, "print the snapshot as JSON (state file format)")
	stateCmd.Flags().String("file", "", "state file to read (default: state_file from config)")
	historyCmd.Flags().Duration("since", 0, "only records newer than this (e.g. 24h)")
	historyCmd.Flags().String("kind", "", "only this kind (ADD_FILE, MOD_SIZE, MEMO, ...)")
	historyCmd.Flags().String("path", "", "only subjects starting with this prefix")
	historyCmd.Flags().Int("limit", 0, "newest N records")
}
