package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"aichat/internal/types"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search [session-id] [query...]",
	Short: "Substring search over a session's turns and summaries",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		query := strings.Join(args[1:], " ")
		results, err := a.manager.SearchMemories(context.Background(), args[0], query, searchLimit)
		if err != nil {
			return err
		}

		if len(results.Turns) == 0 && len(results.Summaries) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, t := range results.Turns {
			fmt.Printf("turn %d (%s, score %.1f): %s\n", t.TurnID, t.SpeakerType, t.ImportanceScore, t.Message)
		}
		for _, s := range results.Summaries {
			fmt.Printf("summary turns %d-%d: %s\n", s.TurnStart, s.TurnEnd, s.Narrative)
		}
		return nil
	},
}

var contextCmd = &cobra.Command{
	Use:   "context [session-id]",
	Short: "Print the assembled prompt context for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		prompt, err := a.manager.RenderPrompt(args[0])
		if err != nil {
			return err
		}
		fmt.Println(prompt)
		return nil
	},
}

var (
	turnSpeakerID   string
	turnSpeakerType string
	turnEmotion     string
)

var turnCmd = &cobra.Command{
	Use:   "turn [session-id] [message...]",
	Short: "Append a single turn to a session",
	Long: `Appends one turn to an existing session. Useful for scripted ingestion:
the transport layer can pipe turns in without holding a chat session open.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		st := types.SpeakerType(turnSpeakerType)
		switch st {
		case types.SpeakerUser, types.SpeakerAssistant, types.SpeakerSystem:
		default:
			return fmt.Errorf("invalid speaker type %q", turnSpeakerType)
		}

		meta := types.TurnMetadata{Emotion: turnEmotion}
		turn, err := a.manager.AddTurn(args[0], turnSpeakerID, st, strings.Join(args[1:], " "), meta)
		if err != nil {
			return err
		}
		fmt.Printf("turn %d recorded (%d tokens)\n", turn.TurnID, turn.TokenCount)
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum matches per source")
	turnCmd.Flags().StringVar(&turnSpeakerID, "speaker", "local", "Speaker ID")
	turnCmd.Flags().StringVar(&turnSpeakerType, "type", "user", "Speaker type: user, assistant, system")
	turnCmd.Flags().StringVar(&turnEmotion, "emotion", "", "Detected emotion label for the turn")
}
