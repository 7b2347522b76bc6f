package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/taskwave/taskwave/internal/config"
)

// Lockfile advertises a running daemon to CLI commands: the PID for
// liveness checks, the port and token for API calls.
type Lockfile struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Token     string    `json:"token,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// LockfileName is the filename of the daemon lockfile under the data dir.
const LockfileName = "daemon.lock"

// LockfilePath returns the path to the daemon lockfile.
func LockfilePath() (string, error) {
	dir, err := config.DataDir()
	if err != nil {
		return "", fmt.Errorf("lockfile path: %w", err)
	}
	return filepath.Join(dir, LockfileName), nil
}

// WriteLockfile records the current process as the running daemon.
func WriteLockfile(port int, token string) error {
	p, err := LockfilePath()
	if err != nil {
		return err
	}
	lf := Lockfile{
		PID:       os.Getpid(),
		Port:      port,
		Token:     token,
		StartedAt: time.Now(),
	}
	b, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lockfile: %w", err)
	}
	// The token grants API access, so keep the file owner-only.
	return os.WriteFile(p, b, 0o600)
}

// ReadLockfile reads and parses the daemon lockfile. Returns an error if
// the file does not exist or cannot be parsed.
func ReadLockfile() (*Lockfile, error) {
	p, err := LockfilePath()
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	var lf Lockfile
	if err := json.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("parsing lockfile: %w", err)
	}
	return &lf, nil
}

// RemoveLockfile removes the daemon lockfile if present.
func RemoveLockfile() error {
	p, err := LockfilePath()
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lockfile: %w", err)
	}
	return nil
}

// Stale reports whether the lockfile points at a dead or unresponsive
// daemon. A live PID is not enough: the port must answer the health check,
// otherwise the PID was recycled by another process.
func (lf *Lockfile) Stale() bool {
	if !IsProcessAlive(lf.PID) {
		return true
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/health", lf.Port))
	if err != nil {
		return true
	}
	resp.Body.Close()
	return resp.StatusCode != http.StatusOK
}
