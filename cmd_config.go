package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/daemon"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write engine settings",
	RunE:  runConfigGet,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one setting, or all settings",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting",
	Long: `Change a setting and persist it. A running daemon picks the change
up immediately for new sessions; otherwise the settings file is updated
directly.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd)

	rootCmd.AddCommand(configCmd)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		key := args[0]
		if !knownKey(settings, key) {
			return fmt.Errorf("unknown setting %q (see 'taskwave config get')", key)
		}
		fmt.Println(settings.Get(key))
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, kv := range settings.Keys() {
		fmt.Fprintf(tw, "%s\t%s\n", kv[0], kv[1])
	}
	return tw.Flush()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	// A running daemon owns the settings file; route the change through it
	// so live state and disk stay in step.
	if client, err := daemon.Connect(); err == nil {
		if err := client.SetConfig(key, value); err != nil {
			return err
		}
	} else {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		if err := settings.Set(key, value); err != nil {
			return err
		}
		if err := config.Save(settingsPath(), settings); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
	}

	updated, err := loadSettings()
	if err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", key, updated.Get(key))
	return nil
}

// knownKey reports whether key names a managed setting. agent_models.*
// accepts any role suffix.
func knownKey(settings config.Settings, key string) bool {
	if strings.HasPrefix(key, "agent_models.") {
		return len(key) > len("agent_models.")
	}
	for _, kv := range settings.Keys() {
		if kv[0] == key {
			return true
		}
	}
	return false
}
