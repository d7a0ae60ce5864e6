package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomchat/loom/internal/appState"
	"github.com/loomchat/loom/internal/ui/cli/chat"
	configCmd "github.com/loomchat/loom/internal/ui/cli/config"
	"github.com/loomchat/loom/internal/ui/cli/thread"
)

var (
	logLevel string
	logFile  string
	model    string
)

var rootCmd = &cobra.Command{
	Use:               "loom",
	Short:             "Branching chat with language models",
	Long:              `Loom is a chat client with branching conversations: regenerate answers, edit past messages, and switch between the resulting branches without losing anything.`,
	DisableAutoGenTag: true,
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		if app, ok := appState.TryGet(); ok {
			app.Logger.Error().Err(err).Msg("command failed")
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path (defaults to stderr)")
	rootCmd.PersistentFlags().StringVarP(&model, "model", "m", "", "Model preset to use for this invocation")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		overrides := &appState.RuntimeOverrides{}
		if logLevel != "" {
			overrides.LogLevel = &logLevel
		}
		if logFile != "" {
			overrides.LogFile = &logFile
		}
		if model != "" {
			overrides.Model = &model
		}
		return appState.Initialize(overrides)
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return appState.Cleanup()
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(
		chat.ChatCmd,
		thread.ThreadCmd,
		configCmd.ConfigCmd,
	)
}
