package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	zele "github.com/TrunderHunter/fe-appchat-zele-sub000"
)

var (
	sendFile string
	sendTo   string
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(revokeCmd)

	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "attach a file instead of text")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "send to the personal conversation with this user id")
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send [conversation-id] [text...]",
	Short: "Send a message",
	Long: `Send a text message or a file to a conversation.

Examples:
  zele send 65f0c1 hello there
  zele send --to user-42 hi
  zele send 65f0c1 --file ./report.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := ""
		if sendTo == "" {
			if len(args) == 0 {
				return fmt.Errorf("conversation id is required unless --to is given")
			}
			convID, args = args[0], args[1:]
		}
		text := strings.Join(args, " ")
		if sendFile == "" && strings.TrimSpace(text) == "" {
			return fmt.Errorf("nothing to send")
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		syncer, stop, err := s.startSync(ctx, zele.NotifierFunc(printNotice))
		if err != nil {
			return err
		}
		defer stop()

		if sendTo != "" {
			conv, err := syncer.OpenPersonalConversation(ctx, sendTo)
			if err != nil {
				return err
			}
			convID = conv.ID
		}

		var msg *zele.Message
		if sendFile != "" {
			data, err := os.ReadFile(sendFile)
			if err != nil {
				return fmt.Errorf("read %s: %w", sendFile, err)
			}
			msg, err = syncer.SendFile(ctx, convID, filepath.Base(sendFile), data)
			if err != nil {
				return err
			}
		} else {
			msg, err = syncer.SendMessage(ctx, convID, text)
			if err != nil {
				return err
			}
		}
		fmt.Printf("Sent %s to %s\n", msg.ID, msg.ConversationID)
		return nil
	},
}

// ============================================================================
// revoke
// ============================================================================

var revokeCmd = &cobra.Command{
	Use:   "revoke <conversation-id> <message-id>",
	Short: "Revoke a message you sent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		syncer, stop, err := s.startSync(ctx, zele.NotifierFunc(printNotice))
		if err != nil {
			return err
		}
		defer stop()

		if err := syncer.RevokeMessage(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Revoked %s\n", args[1])
		return nil
	},
}
