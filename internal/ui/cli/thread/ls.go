package thread

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "ls",
	Short: "List conversation threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		threads, err := store.ListThreads(cmd.Context(), limitFlag)
		if err != nil {
			return fmt.Errorf("failed to list threads: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUpdated\tModel\tTitle")

		for _, thread := range threads {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				thread.ID.String()[:8],
				thread.UpdatedAt.Format(time.RFC822),
				thread.Model,
				preview(thread),
			)
		}
		w.Flush()

		return nil
	},
}
