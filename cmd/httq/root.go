package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRootCmd builds the httq command tree. Without a subcommand it runs the
// bridge until the command's context is cancelled.
func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "httq",
		Short: "HTTP to MQTT bridge.",
		Long: `HTTQ turns plain HTTP requests into MQTT operations. POST and PUT
publish one or more messages, GET subscribes to a topic and answers with
the first message delivered.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "",
		fmt.Sprintf("config file (default is $%s or %s)", configEnv, defaultConfigPath))

	root.AddCommand(newTokenCmd(&configFile), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nGit commit: %s\nBuild: %s\n", version, commit, date)
			return err
		},
	}
}
