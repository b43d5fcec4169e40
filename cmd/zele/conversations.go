package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	zele "github.com/TrunderHunter/fe-appchat-zele-sub000"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool

	historyBefore string
	historyLimit  int
	historyJSON   bool

	openWith string
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(openCmd)

	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "print raw JSON")

	historyCmd.Flags().StringVar(&historyBefore, "before", "", "only messages older than this message id")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", zele.DefaultPageSize, "number of messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print raw JSON")

	openCmd.Flags().StringVar(&openWith, "with", "", "open the personal conversation with this user id instead")
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		convs, err := s.client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		printConversations(convs, s.cfg.Auth.UserID)
		return nil
	},
}

func printConversations(convs []*zele.Conversation, self string) {
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tLAST MESSAGE\tUPDATED")
	for _, c := range convs {
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Preview
			if c.LastMessage.Revoked {
				last = "(revoked)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Kind, displayName(c, self), last, c.UpdatedAt.Local().Format(time.DateTime))
	}
	w.Flush()
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		msgs, err := s.client.Messages.List(ctx, args[0], historyBefore, historyLimit)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		if historyJSON {
			return printJSON(msgs)
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m *zele.Message) {
	body := m.Content
	switch {
	case m.Revoked:
		body = "(revoked)"
	case m.Type != zele.MessageText:
		body = m.Summary().Preview
	}
	fmt.Printf("%s  %-12s %s  [%s]\n", m.Timestamp.Local().Format(time.DateTime), m.SenderID, body, m.ID)
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open [conversation-id]",
	Short: "Open a conversation and print its latest page",
	Long:  "Open a conversation through the synchronizer. With --with, the personal conversation with that user is found or created.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (len(args) == 0) == (openWith == "") {
			return fmt.Errorf("give either a conversation id or --with <user-id>")
		}
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

		var conv *zele.Conversation
		if openWith != "" {
			conv, err = syncer.OpenPersonalConversation(ctx, openWith)
		} else {
			conv, err = syncer.OpenConversation(ctx, args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("== %s (%s)\n", displayName(conv, s.cfg.Auth.UserID), conv.ID)
		for _, m := range syncer.Store().Messages() {
			printMessage(m)
		}
		if syncer.Store().HasMoreMessages() {
			fmt.Println("(older messages available)")
		}
		return nil
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
