package thread

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "rm [thread_id]",
	Short: "Delete a thread and all its messages",
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

		messages, err := store.GetMessages(cmd.Context(), thread.ID)
		if err != nil {
			return fmt.Errorf("failed to get messages: %w", err)
		}

		fmt.Printf("About to delete thread %s:\n", thread.ID.String()[:8])
		fmt.Printf("Created: %s\n", thread.CreatedAt.Format(time.RFC822))
		fmt.Printf("Messages: %d\n", len(messages))
		fmt.Printf("Title: %s\n", preview(thread))

		if !forceFlag {
			fmt.Print("\nAre you sure you want to delete this thread? [y/N] ")
			var response string
			fmt.Scanln(&response)

			response = strings.ToLower(strings.TrimSpace(response))
			if response != "y" && response != "yes" {
				fmt.Println("Operation cancelled")
				return nil
			}
		}

		if err := store.DeleteThread(cmd.Context(), thread.ID); err != nil {
			return fmt.Errorf("failed to delete thread: %w", err)
		}

		fmt.Println("Thread deleted successfully")
		return nil
	},
}
