package chat

import (
	"fmt"
	"os/user"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/loomchat/loom/internal/appState"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/llm"
	"github.com/loomchat/loom/internal/memory"
	"github.com/loomchat/loom/internal/quota"
	"github.com/loomchat/loom/internal/repository"
	"github.com/loomchat/loom/internal/repository/local"
	"github.com/loomchat/loom/internal/repository/sqlite"
	"github.com/loomchat/loom/internal/session"
	"github.com/loomchat/loom/internal/tui"
	"github.com/loomchat/loom/internal/ui/cli/thread"
)

var guestFlag bool

var ChatCmd = &cobra.Command{
	Use:   "chat [thread_id]",
	Short: "Start an interactive chat session",
	Long:  `Start an interactive chat session. Pass a thread id (or prefix) to resume an existing conversation.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := appState.Get()
		cfg := app.Config

		var (
			store repository.Store
			err   error
		)
		owner := "local"
		if guestFlag {
			// Guest sessions live in throwaway JSON files and count
			// against the daily limit.
			owner = "guest"
			store, err = local.New(cfg.LocalDataDir)
		} else {
			if u, uerr := user.Current(); uerr == nil {
				owner = u.Username
			}
			store, err = sqlite.New(cfg.DBPath)
		}
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}

		preset, err := cfg.Preset("")
		if err != nil {
			return err
		}
		client, err := llm.NewClient(preset)
		if err != nil {
			return fmt.Errorf("failed to create model client: %w", err)
		}

		controller := session.New(session.Options{
			Store:     store,
			Generator: client,
			Quota:     quota.New(cfg.Quota.AnonymousDailyLimit),
			Memory:    memory.NewFileStore(filepath.Join(filepath.Dir(cfg.DBPath), "memory.json")),
			Config:    cfg.Session,
			Owner:     owner,
			Anonymous: guestFlag,
			Model:     cfg.ActiveModel,
			Logger:    app.Logger,
		})
		defer controller.Close()

		if len(args) > 0 {
			t, err := thread.FindByPartialID(cmd.Context(), store, args[0])
			if err != nil {
				if domain.IsNotFound(err) {
					return fmt.Errorf("no thread matches %q", args[0])
				}
				return fmt.Errorf("failed to find thread: %w", err)
			}
			if err := controller.LoadThread(cmd.Context(), t.ID); err != nil {
				return fmt.Errorf("failed to load thread: %w", err)
			}
		}

		monitor := session.NewMonitor(controller, app.Logger)
		monitor.Start()
		defer monitor.Stop()

		p := tea.NewProgram(tui.New(controller), tea.WithAltScreen())
		_, err = p.Run()
		return err
	},
}

func init() {
	ChatCmd.Flags().BoolVar(&guestFlag, "guest", false, "Chat without a persistent identity; daily message limits apply")
}
