package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aichat/internal/config"
	"aichat/internal/logging"
	"aichat/internal/memory"
	"aichat/internal/types"
)

var (
	chatCharacterID   int
	chatCharacterName string
	chatPersonality   string
	chatProfile       string
	chatUserID        string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive session against the memory core",
	Long: `Starts (or resumes) a session and reads turns from stdin. Each line is
appended as a user turn; compaction runs transparently in the background.

Commands inside the session:
  /context   print the assembled prompt context
  /stats     print token usage and compression counters
  /compact   force a synchronous context reset
  /quit      end the session`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().IntVar(&chatCharacterID, "character-id", 1, "Character ID")
	chatCmd.Flags().StringVar(&chatCharacterName, "character", "Assistant", "Character name")
	chatCmd.Flags().StringVar(&chatPersonality, "personality", "", "Character personality traits")
	chatCmd.Flags().StringVar(&chatProfile, "profile", "", "Character profile text")
	chatCmd.Flags().StringVar(&chatUserID, "user", "local", "User ID")
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	// Config edits apply without restarting the session.
	watcher, err := config.NewWatcher(configPath, func(cfg *config.Config) {
		logging.SetOptions(logging.Options{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		})
		logger.Info("Config reloaded")
	})
	if err == nil {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := watcher.Start(ctx); err == nil {
			defer watcher.Stop()
		}
	} else {
		logger.Debug("Config watcher unavailable", zap.Error(err))
	}

	profile := types.CharacterProfile{
		CharacterID: chatCharacterID,
		Name:        chatCharacterName,
		Personality: chatPersonality,
		Profile:     chatProfile,
	}
	sess, err := a.manager.StartSession(profile, chatUserID)
	if err != nil {
		return err
	}

	events, stop := a.manager.Events().Subscribe()
	defer stop()
	go func() {
		for ev := range events {
			switch ev.Type {
			case memory.EventCompressionStarted:
				fmt.Printf("  [memory] background compression started at turn %d\n", ev.Turn)
			case memory.EventCompressionCompleted:
				fmt.Printf("  [memory] context compressed at turn %d (%s)\n", ev.Turn, ev.Detail)
			case memory.EventOverflowWarning:
				fmt.Printf("  [memory] context overflow: %s\n", ev.Detail)
			}
		}
	}()

	fmt.Printf("Session %s with %s (turn %d). /quit to exit.\n",
		sess.SessionID, profile.Name, sess.TotalTurns)

	if sess.TotalTurns > 0 {
		recent, err := a.store.GetRecentTurns(sess.SessionID, 3)
		if err == nil && len(recent) > 0 {
			fmt.Println("Picking up where you left off:")
			for _, turn := range recent {
				fmt.Printf("  [%d] %s: %s\n", turn.TurnID, turn.SpeakerID, turn.Message)
			}
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/context":
			prompt, err := a.manager.RenderPrompt(sess.SessionID)
			if err != nil {
				return err
			}
			fmt.Println(prompt)
			continue
		case "/stats":
			printStats(a, sess.SessionID)
			continue
		case "/compact":
			if err := a.manager.ForceCompress(sess.SessionID); err != nil {
				fmt.Println("compact failed:", err)
			}
			continue
		}

		turn, err := a.manager.AddTurn(sess.SessionID, chatUserID, types.SpeakerUser, line, types.TurnMetadata{})
		if err != nil {
			return err
		}
		fmt.Printf("  turn %d recorded (%d tokens)\n", turn.TurnID, turn.TokenCount)
	}
	return scanner.Err()
}

func printStats(a *app, sessionID string) {
	sess, err := a.store.GetSession(sessionID)
	if err != nil {
		fmt.Println("stats unavailable:", err)
		return
	}
	cc, err := a.manager.GetContext(sessionID)
	if err != nil {
		fmt.Println("stats unavailable:", err)
		return
	}
	fmt.Printf("turns=%d tokens=%d compressions=%d state=%s preserved=%d buffer=%d recent=%d degraded=%v\n",
		sess.TotalTurns, sess.TotalTokens, sess.CompressionCount, sess.State,
		len(cc.PreservedTurns), len(cc.BufferTurns), len(cc.RecentTurns), cc.Meta.Degraded)
}
