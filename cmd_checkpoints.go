package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskwave/taskwave/internal/checkpoint"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and roll back workspace snapshots",
	Long: `Runs snapshot the working tree before file-mutating tools; the
snapshots are pinned as git refs and survive the run. These commands
operate on the repository containing the current directory. The session
argument is an ID or its first 8 characters, as printed by 'sessions list'.`,
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list <session>",
	Short: "List a session's pinned snapshots",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsList,
}

var checkpointsRestoreCmd = &cobra.Command{
	Use:   "restore <session> <n>",
	Short: "Roll the working tree back to snapshot n",
	Long: `Reset the working tree to HEAD and replay snapshot n on top.
Uncommitted changes made after the snapshot are lost.`,
	Args: cobra.ExactArgs(2),
	RunE: runCheckpointsRestore,
}

var checkpointsClearCmd = &cobra.Command{
	Use:   "clear <session>",
	Short: "Delete a session's pinned snapshots",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsClear,
}

func init() {
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsRestoreCmd, checkpointsClearCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	snaps, err := checkpoint.ListRefs(cwd, args[0])
	if errors.Is(err, checkpoint.ErrNoRepo) {
		return fmt.Errorf("not inside a git repository")
	}
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots pinned for this session.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "N\tSHA\tTAKEN")
	for _, s := range snaps {
		taken := ""
		if !s.At.IsZero() {
			taken = s.At.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", checkpoint.RefNumber(s.Ref), shortID(s.SHA), taken)
	}
	return tw.Flush()
}

func runCheckpointsRestore(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return fmt.Errorf("snapshot number must be a non-negative integer")
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	tr, err := checkpoint.NewTracker(cwd, args[0], nil)
	if errors.Is(err, checkpoint.ErrNoRepo) {
		return fmt.Errorf("not inside a git repository")
	}
	if err != nil {
		return err
	}
	snaps, err := checkpoint.ListRefs(cwd, args[0])
	if err != nil {
		return err
	}
	for _, s := range snaps {
		if checkpoint.RefNumber(s.Ref) != n {
			continue
		}
		if err := tr.Restore(s); err != nil {
			return fmt.Errorf("restoring snapshot %d: %w", n, err)
		}
		fmt.Printf("Restored %s to snapshot %d.\n", tr.Dir(), n)
		return nil
	}
	return fmt.Errorf("session has no snapshot %d (see 'checkpoints list')", n)
}

func runCheckpointsClear(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	removed, err := checkpoint.DropRefs(cwd, args[0])
	if errors.Is(err, checkpoint.ErrNoRepo) {
		return fmt.Errorf("not inside a git repository")
	}
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d snapshot(s).\n", removed)
	return nil
}
