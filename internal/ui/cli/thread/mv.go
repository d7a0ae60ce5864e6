package thread

import (
	"fmt"

	"github.com/spf13/cobra"
)

var renameCmd = &cobra.Command{
	Use:   "mv [thread_id] [new_title]",
	Short: "Rename a thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		thread, err := FindByPartialID(cmd.Context(), store, args[0])
		if err != nil {
			return fmt.Errorf("failed to find thread: %w", err)
		}

		if err := store.RenameThread(cmd.Context(), thread.ID, args[1]); err != nil {
			return fmt.Errorf("failed to rename thread: %w", err)
		}

		fmt.Printf("Thread %s renamed to %q\n", thread.ID.String()[:8], args[1])
		return nil
	},
}
