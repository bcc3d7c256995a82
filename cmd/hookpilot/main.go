package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hookpilot",
		Short: "Turn webhook mentions into agent runs",
		Long: `Hookpilot receives GitHub, Jira and Slack webhooks, turns trigger mentions
into queued tasks, runs them through an agent CLI and posts the result back
where the request came from.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.hookpilot/config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newGatewayCmd(),
		newWorkerCmd(),
		newRunCmd(),
		newTasksCmd(),
		newTailCmd(),
		newCancelCmd(),
		newConfigCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hookpilot %s\n", version)
		},
	}
}
