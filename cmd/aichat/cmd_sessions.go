package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions by most recent activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.store.ListSessions(sessionsLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tCHARACTER\tTURNS\tTOKENS\tCOMPRESSIONS\tSTATE\tLAST ACTIVITY")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				s.SessionID, s.CharacterName, s.TotalTurns, s.TotalTokens,
				s.CompressionCount, s.State, s.LastActivity.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [session-id]",
	Short: "Show token usage and compression counters for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		printStats(a, args[0])
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact [session-id]",
	Short: "Force a synchronous context reset for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.manager.ForceCompress(args[0]); err != nil {
			return err
		}
		cc, err := a.manager.GetContext(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Reset at turn %d: saved %d tokens, %d turns preserved, degraded=%v\n",
			cc.Meta.CompressedAtTurn, cc.Meta.TokensSaved, len(cc.PreservedTurns), cc.Meta.Degraded)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Close sessions idle past the session timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.manager.CleanupExpiredSessions()
		if err != nil {
			return err
		}
		fmt.Printf("Closed %d expired sessions\n", n)
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 50, "Maximum sessions to list")
}
