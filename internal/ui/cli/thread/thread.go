package thread

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomchat/loom/internal/appState"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/repository"
	"github.com/loomchat/loom/internal/repository/sqlite"
)

var (
	limitFlag int
	forceFlag bool
)

var ThreadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Manage conversation threads",
}

func init() {
	listCmd.Flags().IntVarP(&limitFlag, "limit", "n", 0, "Limit the number of threads to show (0 for all)")
	viewCmd.Flags().IntVarP(&limitFlag, "limit", "n", 0, "Limit the number of messages to show (0 for all)")
	deleteCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Delete without confirmation")

	ThreadCmd.AddCommand(listCmd, viewCmd, renameCmd, deleteCmd)
}

func openStore() (repository.Store, error) {
	cfg := appState.Get().Config
	return sqlite.New(cfg.DBPath)
}

// FindByPartialID resolves a thread from an id prefix, erroring when the
// prefix is ambiguous.
func FindByPartialID(ctx context.Context, store repository.Store, partial string) (*domain.Thread, error) {
	threads, err := store.ListThreads(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	var matches []*domain.Thread
	for _, t := range threads {
		if strings.HasPrefix(t.ID.String(), strings.ToLower(partial)) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, domain.ErrThreadNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("thread id %q is ambiguous (%d matches)", partial, len(matches))
	}
}

func preview(thread *domain.Thread) string {
	if thread.Title == "" {
		return "[untitled]"
	}
	title := thread.Title
	if len(title) > 50 {
		title = title[:47] + "..."
	}
	return title
}
