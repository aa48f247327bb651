package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/meetbot/internal/config"
	"github.com/user/meetbot/internal/registry"
	"github.com/user/meetbot/internal/transcript"
	"github.com/user/meetbot/internal/types"
)

// The session commands read the data directory directly and work while the
// daemon is down.

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionTranscriptCmd, sessionPruneCmd)
	sessionPruneCmd.Flags().Duration("older-than", 0, "only prune sessions that ended before this long ago (default sweeper.retention)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored sessions and transcripts",
}

func openRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New(registry.SnapshotPath(cfg.DataDir))
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return reg, nil
}

// parseMeetingID accepts "<platform>:<id>" or a bare Google Meet code.
func parseMeetingID(raw string) types.MeetingID {
	if strings.Contains(raw, ":") {
		return types.MeetingID(raw)
	}
	return types.NewMeetingID("google_meet", raw)
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions in the snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		store := transcript.NewStore(cfg.DataDir)

		list := reg.List()
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		ctx := context.Background()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MEETING\tSTATUS\tBOT\tUTTERANCES\tCREATED\tERROR")
		for _, s := range list {
			count, err := store.Count(ctx, s.MeetingID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				s.MeetingID,
				s.Status,
				s.BotName,
				count,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
				s.Error,
			)
		}
		return w.Flush()
	},
}

var sessionTranscriptCmd = &cobra.Command{
	Use:   "transcript <meeting_id>",
	Short: "Print a stored transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := transcript.NewStore(cfg.DataDir)
		utts, err := store.Read(context.Background(), parseMeetingID(args[0]))
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}
		if len(utts) == 0 {
			return fmt.Errorf("no transcript stored for %s", args[0])
		}
		fmt.Fprintln(os.Stdout, transcript.JoinText(utts))
		return nil
	},
}

var sessionPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove ended sessions from the snapshot (daemon must be stopped)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if pid, err := readPID(cfg.DataDir); err == nil {
			return fmt.Errorf("daemon is running (PID %d); it prunes on its own schedule", pid)
		}

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan == 0 {
			olderThan = cfg.Retention()
		}

		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-olderThan)
		pruned := 0
		for _, rec := range reg.List() {
			if !rec.Status.IsTerminal() || rec.EndedAt == nil || rec.EndedAt.After(cutoff) {
				continue
			}
			if err := reg.Remove(rec.MeetingID); err != nil {
				return fmt.Errorf("remove %s: %w", rec.MeetingID, err)
			}
			pruned++
		}
		fmt.Fprintf(os.Stdout, "Pruned %d session(s). Transcripts are kept.\n", pruned)
		return nil
	},
}
