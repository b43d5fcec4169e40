package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	zele "github.com/TrunderHunter/fe-appchat-zele-sub000"
)

var friendsRequestMessage string

func init() {
	rootCmd.AddCommand(friendsCmd)
	friendsCmd.AddCommand(friendsRequestCmd)
	friendsCmd.AddCommand(friendsAcceptCmd)
	friendsCmd.AddCommand(friendsRejectCmd)

	friendsRequestCmd.Flags().StringVarP(&friendsRequestMessage, "message", "m", "", "note attached to the request")
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Send and answer friend requests",
}

var friendsRequestCmd = &cobra.Command{
	Use:   "request <user-id>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSync(cmd, 30*time.Second, func(ctx context.Context, s *session, syncer *zele.Synchronizer) error {
			if err := syncer.SendFriendRequest(ctx, args[0], friendsRequestMessage); err != nil {
				return err
			}
			fmt.Printf("Friend request sent to %s\n", args[0])
			return nil
		})
	},
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a friend request",
	Args:  cobra.ExactArgs(1),
	RunE:  respondFriendRequest(true),
}

var friendsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a friend request",
	Args:  cobra.ExactArgs(1),
	RunE:  respondFriendRequest(false),
}

func respondFriendRequest(accept bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withSync(cmd, 30*time.Second, func(ctx context.Context, s *session, syncer *zele.Synchronizer) error {
			if err := syncer.RespondToFriendRequest(ctx, args[0], accept); err != nil {
				return err
			}
			verb := "Rejected"
			if accept {
				verb = "Accepted"
			}
			fmt.Printf("%s request %s\n", verb, args[0])
			return nil
		})
	}
}
