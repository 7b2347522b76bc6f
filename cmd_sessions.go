package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskwave/taskwave/internal/store"
)

var (
	sessionsProject string
	sessionsLimit   int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
	RunE:  runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session with its delegation runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&sessionsProject, "project", "", "Only sessions rooted at this path")
	sessionsCmd.PersistentFlags().IntVar(&sessionsLimit, "limit", 20, "Maximum entries to show")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)

	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	st, err := store.OpenStore()
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer st.Close()

	sessions, err := st.ListSessions(sessionsProject, sessionsLimit)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tDOMAIN\tMSGS\tTOKENS\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			shortID(s.ID), clipLine(s.Title, 40), s.Domain,
			s.MessageCount, s.TotalTokens, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	st, err := store.OpenStore()
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer st.Close()

	sess, err := st.FindSessionByPrefix(args[0])
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no session matches %q", args[0])
	}
	if err != nil {
		return fmt.Errorf("looking up session: %w", err)
	}

	fmt.Printf("Session   %s\n", sess.ID)
	fmt.Printf("Title     %s\n", sess.Title)
	fmt.Printf("Domain    %s\n", sess.Domain)
	if sess.ProjectPath != "" {
		fmt.Printf("Project   %s\n", sess.ProjectPath)
	}
	if sess.Model != "" {
		fmt.Printf("Model     %s\n", sess.Model)
	}
	fmt.Printf("Messages  %d\n", sess.MessageCount)
	fmt.Printf("Tokens    %d (in %d / out %d)\n", sess.TotalTokens, sess.InputTokens, sess.OutputTokens)
	fmt.Printf("Created   %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated   %s\n", sess.UpdatedAt.Format("2006-01-02 15:04:05"))

	runs, err := st.PlanRuns(sess.ID, sessionsLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("\nNo delegation runs recorded.")
		return nil
	}

	for _, run := range runs {
		fmt.Printf("\nRun %d  %s  %d task(s)  %s\n",
			run.ID, run.Status, run.TaskCount, run.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("  query: %s\n", clipLine(run.Query, 100))

		tasks, err := st.TaskRuns(run.ID)
		if err != nil {
			return fmt.Errorf("listing tasks of run %d: %w", run.ID, err)
		}
		for _, task := range tasks {
			fmt.Printf("  %s [%s] %s  %s\n",
				task.TaskID, task.AgentType, task.Status, clipLine(task.Description, 70))
			for _, att := range task.Attempts {
				line := fmt.Sprintf("    %s -> %s (%s)", att.Model, att.Outcome, att.Duration)
				if att.Error != "" {
					line += ": " + clipLine(att.Error, 60)
				}
				fmt.Println(line)
			}
		}
	}
	return nil
}

// shortID abbreviates a session UUID for table output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
