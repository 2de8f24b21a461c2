package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Ship-Gate/ShipGate-sub013/internal/config"
	"github.com/Ship-Gate/ShipGate-sub013/internal/db"
	"github.com/Ship-Gate/ShipGate-sub013/internal/run"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

func sessionsCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage healing sessions",
	}
	cmd.PersistentFlags().StringVar(&target, "target", ".", "target directory")
	cmd.AddCommand(sessionsListCmd(&target))
	cmd.AddCommand(sessionsShowCmd(&target))
	cmd.AddCommand(sessionsPruneCmd(&target))
	return cmd
}

func sessionsListCmd(target *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeFn, err := openStore(*target)
			if err != nil {
				return err
			}
			defer closeFn()
			sessions, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeSessions(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions (0 for all)")
	return cmd
}

func sessionsShowCmd(target *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the event timeline of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore(*target)
			if err != nil {
				return err
			}
			defer closeFn()
			status, err := store.GetSessionStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if status == "" {
				return fmt.Errorf("session %s not found", args[0])
			}
			events, err := store.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render(args[0]), status)
			for _, ev := range events {
				fmt.Fprintf(out, "%3d  %s  %-20s %s\n", ev.Seq, ev.TS, ev.Type, ev.Message)
			}
			return nil
		},
	}
}

func sessionsPruneCmd(target *string) *cobra.Command {
	var keepLast int
	var keepDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old sessions from disk and database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := resolveTarget(*target)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			policy := config.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				policy = cfg.Retention
			}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				return fmt.Errorf("set --keep-last or --keep-days (or configure retention in %s)", config.DefaultPath)
			}

			store, closeFn, err := openStore(root)
			if err != nil {
				return err
			}
			defer closeFn()

			lock, err := run.AcquireSessionLock(stateDir(root))
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			res, err := run.PruneSessions(cmd.Context(), store, filepath.Join(stateDir(root), "sessions"), policy, time.Now(), dryRun)
			if err != nil {
				return err
			}
			mode := "deleted"
			if dryRun {
				mode = "would delete"
			}
			log.Info().Msgf("%s %d sessions (kept %d, skipped %d)", mode, res.Deleted, res.Kept, res.Skipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the newest N sessions")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep sessions newer than N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}

func openStore(target string) (*db.Store, func(), error) {
	root, err := resolveTarget(target)
	if err != nil {
		return nil, func() {}, err
	}
	database, err := openDB(root)
	if err != nil {
		return nil, func() {}, err
	}
	return db.NewStore(database), func() { _ = database.Close() }, nil
}

func writeSessions(w io.Writer, sessions []db.SessionRecord) error {
	cols := []int{26, 12, 20, 4, 10, 14}
	cell := func(i int, s string) string {
		return lipgloss.NewStyle().Width(cols[i]).MaxWidth(cols[i]).Render(s)
	}
	row := func(values ...string) string {
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = cell(i, v)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, cells...)
	}

	if _, err := fmt.Fprintln(w, headerStyle.Render(row("SESSION", "STATUS", "REASON", "IT", "BUNDLE", "CREATED"))); err != nil {
		return err
	}
	for _, s := range sessions {
		bundle := s.BundleID
		if len(bundle) > 8 {
			bundle = bundle[:8]
		}
		created := s.CreatedAt
		if t, err := time.Parse(time.RFC3339, s.CreatedAt); err == nil {
			created = t.Local().Format("01-02 15:04")
		}
		if _, err := fmt.Fprintln(w, row(s.ID, s.Status, s.Reason, strconv.Itoa(s.Iterations), bundle, created)); err != nil {
			return err
		}
	}
	return nil
}
