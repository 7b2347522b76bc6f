package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskwave/taskwave/internal/daemon"
)

const defaultDaemonPort = 4096

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the localhost HTTP daemon",
	Long: `Start the daemon that exposes sessions over a localhost HTTP API.
The listen port, PID, and bearer token are written to a lockfile under
the data directory so clients and 'taskwave mcp reload' can find it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", defaultDaemonPort, "Listen port (falls back to an ephemeral port when taken)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	mgr, st, err := openManager(settings)
	if err != nil {
		return err
	}
	defer st.Close()
	defer mgr.Close()

	srv := daemon.NewServer(mgr, st, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: shutdown: %v\n", err)
		}
	}()
	go func() {
		// Port blocks until the listener is up.
		fmt.Printf("taskwave daemon listening on 127.0.0.1:%d\n", srv.Port())
	}()

	return srv.Start(servePort)
}
