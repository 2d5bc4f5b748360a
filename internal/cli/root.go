package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tracker",
		Short:         "Track and control backend workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "config.yaml", "Path to config file")

	cmd.AddCommand(
		serveCmd(),
		watchCmd(),
		controlCmd("pause", "Pause a running workflow"),
		controlCmd("resume", "Resume a paused workflow"),
		controlCmd("stop", "Stop a workflow"),
		selectSitesCmd(),
		createAgentsCmd(),
	)
	return cmd
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

// Execute runs the root command and reports a failure on stderr.
func Execute() error {
	err := NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
	}
	return err
}
