package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/daemon"
	"github.com/taskwave/taskwave/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage MCP server configuration",
	RunE:  runMCPList,
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	Args:  cobra.NoArgs,
	RunE:  runMCPList,
}

var mcpReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reconnect live sessions to the configured MCP servers",
	Args:  cobra.NoArgs,
	RunE:  runMCPReload,
}

var mcpCheckCmd = &cobra.Command{
	Use:   "check <server>",
	Short: "Dial one configured server and list its tools",
	Args:  cobra.ExactArgs(1),
	RunE:  runMCPCheck,
}

func init() {
	mcpCmd.AddCommand(mcpListCmd, mcpReloadCmd, mcpCheckCmd)

	rootCmd.AddCommand(mcpCmd)
}

func runMCPList(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if len(settings.MCPServers) == 0 {
		fmt.Println("No MCP servers configured.")
		return nil
	}

	disabled := make(map[string]bool, len(settings.DisabledServers))
	for _, name := range settings.DisabledServers {
		disabled[name] = true
	}

	names := make([]string, 0, len(settings.MCPServers))
	for name := range settings.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTRANSPORT\tTARGET\tSTATE")
	for _, name := range names {
		sc := settings.MCPServers[name]
		transport := sc.Transport
		if transport == "" {
			transport = "stdio"
		}
		target := sc.URL
		if transport == "stdio" {
			target = strings.TrimSpace(sc.Command + " " + strings.Join(sc.Args, " "))
		}
		state := "enabled"
		if disabled[name] || !sc.IsEnabled() {
			state = "disabled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, transport, clipLine(target, 60), state)
	}
	return tw.Flush()
}

func runMCPReload(cmd *cobra.Command, args []string) error {
	client, err := daemon.Connect()
	if errors.Is(err, daemon.ErrNoDaemon) {
		fmt.Println("Daemon is not running; updated settings apply when the next session starts.")
		return nil
	}
	if err != nil {
		return err
	}

	n, err := client.ReloadMCP()
	if err != nil {
		return err
	}
	fmt.Printf("Reloaded MCP servers in %d live session(s).\n", n)
	return nil
}

// runMCPCheck dials a single server with a throwaway multiplexer and prints
// the tools it advertises. Useful before wiring a new server into sessions.
func runMCPCheck(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	servers, err := settings.ExpandedServers()
	if err != nil {
		return err
	}
	name := args[0]
	sc, ok := servers[name]
	if !ok {
		return fmt.Errorf("no enabled MCP server named %q (see 'mcp list')", name)
	}

	const owner = "mcp-check"
	mgr := mcp.NewManager(map[string]config.MCPServerConfig{name: sc}, owner, logger)
	ctx := mcp.ContextWithOwner(context.Background(), owner)
	defer mgr.Close(ctx)

	if err := mgr.EnsureConnected(ctx, name); err != nil {
		return fmt.Errorf("connecting to %q: %w", name, err)
	}
	tools := mgr.ToolNames()
	fmt.Printf("%s: connected, %d tool(s)\n", name, len(tools))
	for _, t := range tools {
		fmt.Println("  " + t)
	}
	return nil
}
