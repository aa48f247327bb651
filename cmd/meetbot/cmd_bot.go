package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/meetbot/internal/client"
	"github.com/user/meetbot/internal/types"
)

// The bot commands talk to the running daemon over HTTP.

var serverURL string

func init() {
	rootCmd.AddCommand(botCmd)
	botCmd.PersistentFlags().StringVar(&serverURL, "server", "", "daemon base URL (default derived from http.listen)")
	botCmd.AddCommand(botRequestCmd, botStopCmd, botStatusCmd, botListCmd, botTranscriptCmd)

	botRequestCmd.Flags().String("platform", "", "meeting platform (google_meet, zoom, teams)")
	botRequestCmd.Flags().String("name", "", "bot display name")
	botRequestCmd.Flags().String("language", "", "transcription language code")
	botListCmd.Flags().StringSlice("status", nil, "only list sessions in these statuses")
	botListCmd.Flags().Int("limit", 0, "list at most this many sessions")
	botListCmd.Flags().Int("offset", 0, "skip this many sessions")
	botTranscriptCmd.Flags().Int64("since", 0, "only utterances after this sequence number")
	botTranscriptCmd.Flags().Int("limit", 0, "fetch at most this many utterances")
}

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Control bots through the running daemon",
}

func newClient() *client.Client {
	url := serverURL
	if url == "" {
		url = client.BaseURLFromListen(loadConfig().HTTP.Listen)
	}
	return client.New(url)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Minute)
}

var botRequestCmd = &cobra.Command{
	Use:   "request <native_meeting_id>",
	Short: "Send a bot into a meeting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, _ := cmd.Flags().GetString("platform")
		name, _ := cmd.Flags().GetString("name")
		language, _ := cmd.Flags().GetString("language")

		ctx, cancel := commandContext()
		defer cancel()
		resp, err := newClient().RequestBot(ctx, types.JoinRequest{
			Platform:        platform,
			NativeMeetingID: args[0],
			BotName:         name,
			Language:        language,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: %s (worker %s)\n%s\n", resp.MeetingID, resp.Status, resp.BotContainerID, resp.Message)
		return nil
	},
}

var botStopCmd = &cobra.Command{
	Use:   "stop <meeting_id>",
	Short: "Remove the bot from a meeting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		resp, err := newClient().StopBot(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: %s\n", resp.MeetingID, resp.Status)
		return nil
	},
}

var botStatusCmd = &cobra.Command{
	Use:   "status <meeting_id>",
	Short: "Show a bot's session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		rec, err := newClient().GetBot(ctx, args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Meeting:\t%s\n", rec.MeetingID)
		fmt.Fprintf(w, "Session:\t%s\n", rec.SessionID)
		fmt.Fprintf(w, "Status:\t%s\n", rec.Status)
		fmt.Fprintf(w, "URL:\t%s\n", rec.MeetingURL)
		fmt.Fprintf(w, "Bot:\t%s (%s)\n", rec.BotName, rec.Language)
		fmt.Fprintf(w, "Worker:\t%s\n", rec.WorkerHandle)
		fmt.Fprintf(w, "Created:\t%s\n", rec.CreatedAt.Format(time.RFC3339))
		if rec.EndedAt != nil {
			fmt.Fprintf(w, "Ended:\t%s\n", rec.EndedAt.Format(time.RFC3339))
		}
		if rec.Error != "" {
			fmt.Fprintf(w, "Error:\t%s\n", rec.Error)
		}
		return w.Flush()
	},
}

var botListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions known to the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringSlice("status")
		statuses := make([]types.SessionStatus, 0, len(raw))
		for _, s := range raw {
			statuses = append(statuses, types.SessionStatus(strings.TrimSpace(s)))
		}

		ctx, cancel := commandContext()
		defer cancel()
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		recs, err := newClient().ListBotsPage(ctx, offset, limit, statuses...)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MEETING\tSTATUS\tWORKER\tUPDATED")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.MeetingID, r.Status, r.WorkerHandle, r.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var botTranscriptCmd = &cobra.Command{
	Use:   "transcript <meeting_id>",
	Short: "Fetch a meeting's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		since, _ := cmd.Flags().GetInt64("since")
		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := newClient().GetTranscriptPage(ctx, args[0], since, limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, resp.Transcript)
		if resp.Partial {
			fmt.Fprintf(os.Stderr, "(partial: session is %s)\n", resp.Status)
		}
		if resp.HasMore && len(resp.Utterances) > 0 {
			fmt.Fprintf(os.Stderr, "(more after seq %d, last is %d)\n", resp.Utterances[len(resp.Utterances)-1].Seq, resp.LastSeq)
		}
		return nil
	},
}
