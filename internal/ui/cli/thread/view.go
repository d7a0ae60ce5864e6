package thread

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/tree"
)

var viewCmd = &cobra.Command{
	Use:   "view [thread_id]",
	Short: "View a thread's visible conversation path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		thread, err := FindByPartialID(cmd.Context(), store, args[0])
		if err != nil {
			return fmt.Errorf("failed to find thread: %w", err)
		}

		msgs, err := store.GetMessages(cmd.Context(), thread.ID)
		if err != nil {
			return fmt.Errorf("failed to get messages: %w", err)
		}
		msgs = tree.EnsureParentIDs(msgs)

		// A fresh view always follows the most recent branch at every fork.
		path := tree.VisiblePath(msgs, tree.Branches{})
		if limitFlag > 0 && len(path) > limitFlag {
			path = path[len(path)-limitFlag:]
		}

		fmt.Printf("Thread %s (updated %s)\n\n",
			thread.ID.String()[:8],
			thread.UpdatedAt.Format(time.RFC822),
		)

		for _, msg := range path {
			roleStr := "You"
			if msg.Role == domain.RoleAssistant {
				roleStr = "Loom"
			}
			if info := tree.BranchInfo(msgs, msg.ID); info != nil {
				roleStr = fmt.Sprintf("%s [%d/%d]", roleStr, info.Index, info.Total)
			}
			fmt.Printf("%s: %s\n\n", roleStr, msg.Content)
		}

		return nil
	},
}
