// taskwave CLI entry point
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/memory"
	"github.com/taskwave/taskwave/internal/plan"
	"github.com/taskwave/taskwave/internal/router"
	"github.com/taskwave/taskwave/internal/session"
	"github.com/taskwave/taskwave/internal/store"
	"github.com/taskwave/taskwave/internal/tools"
)

var version = "dev"

func init() {
	if version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

// Global flags, bound in init below.
var (
	configFile string
	verbose    bool
)

// logger is built by the root PersistentPreRunE and shared by every command.
var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "taskwave",
	Short: "Agent delegation engine for local model pools",
	Long: `taskwave decomposes a query into a dependency-ordered task plan,
executes independent tasks in parallel against a pool of local models,
and aggregates the results into one answer.

Run a single query, or start the daemon and drive it over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := config.NewLogger(verbose)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskwave version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskwave %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Settings file (default ~/.config/taskwave/settings.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")

	rootCmd.AddCommand(versionCmd)
}

// settingsPath resolves the settings file, honoring --config.
func settingsPath() string {
	if configFile != "" {
		return configFile
	}
	return config.DefaultSettingsPath()
}

func loadSettings() (config.Settings, error) {
	return config.Load(settingsPath())
}

// openManager builds the process-wide session manager: history store, agent
// definitions, model router, tool registry, and (when enabled) the domain
// memory store. The caller owns both returned handles and must Close them.
func openManager(settings config.Settings) (*session.Manager, *store.Store, error) {
	st, err := store.OpenStore()
	if err != nil {
		return nil, nil, fmt.Errorf("opening history store: %w", err)
	}

	agents, err := config.LoadAgents(config.DefaultAgentsPath())
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("loading agent definitions: %w", err)
	}

	var mem *memory.Store
	if settings.Memory.IsEnabled() {
		mem = memory.NewStore(settings.Memory.StorageDir, logger)
	}

	mgr := &session.Manager{
		Store:        st,
		Agents:       agents,
		Router:       router.New(settings.ModelPool, settings.AgentModels, logger),
		Registry:     tools.NewRegistry(),
		Memory:       mem,
		Settings:     settings,
		SettingsPath: settingsPath(),
		Log:          logger,
	}
	return mgr, st, nil
}

// exitCode maps an error to the process exit code: 2 for a rejected plan,
// 3 when no MCP server came up, 4 for domain-memory storage failures, and
// 1 for everything else.
func exitCode(err error) int {
	var planErr *plan.ValidationError
	if errors.As(err, &planErr) {
		return 2
	}
	var mcpErr *session.MCPStartupError
	if errors.As(err, &mcpErr) {
		return 3
	}
	var memErr *session.MemoryError
	if errors.As(err, &memErr) {
		return 4
	}
	return 1
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
