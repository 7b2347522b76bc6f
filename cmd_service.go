package main

import (
	"github.com/spf13/cobra"

	"github.com/taskwave/taskwave/internal/service"
)

var serviceCmd = &cobra.Command{
	Use:   "service <install|uninstall|status|start|stop>",
	Short: "Manage the daemon as a user service",
	Long: `Install, remove, or control the daemon as a login service:
launchd on macOS, a systemd user unit on Linux, and a startup registry
entry on Windows. The service runs 'taskwave serve'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return service.HandleCommand(args[0])
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
}
