package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskwave/taskwave/internal/delegate"
	"github.com/taskwave/taskwave/internal/session"
)

var (
	runModel      string
	runDomain     string
	runSession    string
	runContinue   bool
	runNoValidate bool
	runMaxTasks   int
)

var runCmd = &cobra.Command{
	Use:   `run "query"`,
	Short: "Execute one query through the delegation pipeline",
	Long: `Plan the query, execute the task waves against the model pool, and
print the aggregated answer on stdout. Progress goes to stderr.

By default each run starts a fresh session in the configured default
domain; pass --session to continue a specific one, or --continue for the
most recent session rooted at this directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	runCmd.Flags().StringVar(&runModel, "model", "", "Model override for a new session (pool entry or provider/model)")
	runCmd.Flags().StringVar(&runDomain, "domain", "", "Memory domain for a new session")
	runCmd.Flags().StringVar(&runSession, "session", "", "Resume an existing session (ID or unique prefix)")
	runCmd.Flags().BoolVarP(&runContinue, "continue", "c", false, "Resume the most recent session for this directory")
	runCmd.Flags().BoolVar(&runNoValidate, "no-validate", false, "Skip task result validation")
	runCmd.Flags().IntVar(&runMaxTasks, "max-tasks", 0, "Cap the number of planned tasks")
	runCmd.MarkFlagsMutuallyExclusive("session", "continue")

	rootCmd.AddCommand(runCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(args[0])
	if query == "" {
		return fmt.Errorf("query must not be empty")
	}

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if len(settings.ModelPool) == 0 {
		return fmt.Errorf("model pool is empty; add endpoints with 'taskwave config set' or edit %s", settingsPath())
	}
	if runNoValidate {
		settings.Validation.Enabled = false
	}
	if cmd.Flags().Changed("max-tasks") {
		if runMaxTasks < 1 {
			return fmt.Errorf("--max-tasks must be at least 1")
		}
		settings.Delegation.MaxTasks = runMaxTasks
	}

	mgr, st, err := openManager(settings)
	if err != nil {
		return err
	}
	defer st.Close()
	defer mgr.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sess, err := resolveSession(mgr, settings.Memory.DefaultDomain)
	if err != nil {
		return err
	}
	if err := sess.ConnectMCP(ctx); err != nil {
		return err
	}

	// Progress events arrive from executor goroutines; serialize the writes.
	var mu sync.Mutex
	onEvent := func(ev delegate.Event) {
		mu.Lock()
		defer mu.Unlock()
		printEvent(ev)
	}

	if _, err := sess.Submit(ctx, query, onEvent); err != nil {
		return err
	}
	return nil
}

// resolveSession resumes the --session target, the latest session for the
// working directory under --continue, or starts a fresh session in the
// requested domain rooted at the working directory.
func resolveSession(mgr *session.Manager, defaultDomain string) (*session.Session, error) {
	if runSession != "" {
		return mgr.Resume(runSession)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}
	if runContinue {
		sess, err := mgr.Latest(cwd)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no sessions found for %s", cwd)
		}
		return sess, err
	}
	dom := runDomain
	if dom == "" {
		dom = defaultDomain
	}
	return mgr.Create(dom, "", cwd, runModel)
}

// printEvent renders pipeline progress on stderr and streams the answer
// text on stdout, so piping the command captures only the answer.
func printEvent(ev delegate.Event) {
	switch ev.Kind {
	case delegate.EventDelta:
		fmt.Print(ev.DeltaText)
	case delegate.EventPlan:
		fmt.Fprintf(os.Stderr, "plan: %d task(s)\n", len(ev.Plan.Tasks))
	case delegate.EventWaveStart:
		fmt.Fprintf(os.Stderr, "wave %d: %d task(s)\n", ev.Wave, ev.WaveSize)
	case delegate.EventTaskDone:
		fmt.Fprintf(os.Stderr, "  %s [%s] %s\n", ev.Task.ID, ev.Task.AgentType, ev.Task.Status)
	case delegate.EventValidation:
		if !ev.Valid {
			fmt.Fprintf(os.Stderr, "  %s validation failed: %s\n", ev.TaskID, clipLine(ev.Feedback, 120))
		}
	case delegate.EventRetrying:
		fmt.Fprintf(os.Stderr, "retrying (attempt %d) in %s: %s\n", ev.RetryAttempt, ev.RetryAfter, ev.RetryMessage)
	case delegate.EventDone:
		if ev.Answer != "" && !strings.HasSuffix(ev.Answer, "\n") {
			fmt.Println()
		}
	}
}

// clipLine flattens and truncates feedback for one-line progress output.
func clipLine(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}
