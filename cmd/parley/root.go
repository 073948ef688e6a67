package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "parley",
		Short:         "Conversational request runtime",
		Long:          "parley serves multi-turn conversations against a language model, keeping per-session history, state and per-user memories.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newAskCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
