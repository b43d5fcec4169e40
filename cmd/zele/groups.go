package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	zele "github.com/TrunderHunter/fe-appchat-zele-sub000"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	groupsListJSON bool

	groupsCreateMembers string

	groupsUpdateName   string
	groupsUpdateAvatar string
)

func init() {
	rootCmd.AddCommand(groupsCmd)
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsShowCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsUpdateCmd)
	groupsCmd.AddCommand(groupsDeleteCmd)
	groupsCmd.AddCommand(groupsAddCmd)
	groupsCmd.AddCommand(groupsRemoveCmd)
	groupsCmd.AddCommand(groupsRoleCmd)

	groupsListCmd.Flags().BoolVar(&groupsListJSON, "json", false, "print raw JSON")
	groupsCreateCmd.Flags().StringVarP(&groupsCreateMembers, "members", "m", "", "comma-separated member user ids")
	groupsUpdateCmd.Flags().StringVar(&groupsUpdateName, "name", "", "new group name")
	groupsUpdateCmd.Flags().StringVar(&groupsUpdateAvatar, "avatar", "", "new avatar reference")
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage groups",
}

// withSync runs fn against a started synchronizer.
func withSync(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, s *session, syncer *zele.Synchronizer) error) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	syncer, stop, err := s.startSync(ctx, zele.NotifierFunc(printNotice))
	if err != nil {
		return err
	}
	defer stop()
	return fn(ctx, s, syncer)
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ============================================================================
// groups list / show
// ============================================================================

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups you belong to",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		groups, err := s.client.Groups.List(ctx)
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		if groupsListJSON {
			return printJSON(groups)
		}
		if len(groups) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMEMBERS\tCONVERSATION")
		for _, g := range groups {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", g.ID, g.Name, len(g.Members), g.ConversationID)
		}
		w.Flush()
		return nil
	},
}

var groupsShowCmd = &cobra.Command{
	Use:   "show <group-id>",
	Short: "Show a group and its members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		g, err := s.client.Groups.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get group: %w", err)
		}
		printGroup(g)
		return nil
	},
}

func printGroup(g *zele.Group) {
	fmt.Printf("Group:        %s\n", g.Name)
	fmt.Printf("ID:           %s\n", g.ID)
	fmt.Printf("Conversation: %s\n", g.ConversationID)
	fmt.Printf("Creator:      %s\n", g.CreatorID)
	if g.InviteLink != "" {
		fmt.Printf("Invite link:  %s\n", g.InviteLink)
	}
	fmt.Println("Members:")
	for _, m := range g.Members {
		name := m.DisplayName
		if name == "" {
			name = m.UserID
		}
		fmt.Printf("  %-24s %s\n", name, m.Role)
	}
}

// ============================================================================
// groups create / update / delete
// ============================================================================

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		members := splitIDs(groupsCreateMembers)
		if len(members) == 0 {
			return fmt.Errorf("--members is required")
		}
		return withSync(cmd, 30*time.Second, func(ctx context.Context, s *session, syncer *zele.Synchronizer) error {
			g, err := syncer.CreateGroup(ctx, args[0], members)
			if err != nil {
				return err
			}
			printGroup(g)
			return nil
		})
	},
}

var groupsUpdateCmd = &cobra.Command{
	Use:   "update <group-id>",
	Short: "Rename a group or change its avatar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if groupsUpdateName == "" && groupsUpdateAvatar == "" {
			return fmt.Errorf("give --name or --avatar")
		}
		return withSync(cmd, 30*time.Second, func(ctx context.Context, s *session, syncer *zele.Synchronizer) error {
			g, err := syncer.UpdateGroup(ctx, args[0], &zele.UpdateGroupRequest{Name: groupsUpdateName, AvatarRef: groupsUpdateAvatar})
			if err != nil {
				return err
			}
			printGroup(g)
			return nil
		})
	},
}

var groupsDeleteCmd = &cobra.Command{
	Use:   "delete <group-id>",
	Short: "Delete a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSync(cmd, 30*time.Second, func(ctx context.Context, s *session, syncer *zele.Synchronizer) error {
			if err := syncer.DeleteGroup(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted group %s\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// groups add / remove / role
// ============================================================================

var groupsAddCmd = &cobra.Command{
	Use:   "add <group-id> <user-id>...",
	Short: "Add members to a group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSync(cmd, 30*time.Second, func(ctx context.Context, s *session, syncer *zele.Synchronizer) error {
			if err := syncer.AddMembers(ctx, args[0], args[1:]); err != nil {
				return err
			}
			fmt.Printf("Added %d member(s) to %s\n", len(args)-1, args[0])
			return nil
		})
	},
}

var groupsRemoveCmd = &cobra.Command{
	Use:   "remove <group-id> <user-id>",
	Short: "Remove a member from a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSync(cmd, 30*time.Second, func(ctx context.Context, s *session, syncer *zele.Synchronizer) error {
			if err := syncer.RemoveMember(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Removed %s from %s\n", args[1], args[0])
			return nil
		})
	},
}

var groupsRoleCmd = &cobra.Command{
	Use:   "role <group-id> <user-id> <admin|moderator|member>",
	Short: "Change a member's role",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSync(cmd, 30*time.Second, func(ctx context.Context, s *session, syncer *zele.Synchronizer) error {
			if err := syncer.ChangeRole(ctx, args[0], args[1], zele.Role(args[2])); err != nil {
				return err
			}
			fmt.Printf("%s is now %s in %s\n", args[1], args[2], args[0])
			return nil
		})
	},
}
