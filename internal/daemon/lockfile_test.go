package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLockfileRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, LockfileName)

	lf := Lockfile{
		PID:       os.Getpid(),
		Port:      4096,
		Token:     "deadbeef",
		StartedAt: time.Now(),
	}
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		t.Fatalf("marshaling lockfile: %v", err)
	}
	if err := os.WriteFile(lockPath, data, 0o600); err != nil {
		t.Fatalf("writing lockfile: %v", err)
	}

	raw, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("reading lockfile: %v", err)
	}
	var got Lockfile
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("parsing lockfile: %v", err)
	}

	if got.PID != os.Getpid() {
		t.Errorf("PID mismatch: got %d, want %d", got.PID, os.Getpid())
	}
	if got.Port != 4096 {
		t.Errorf("Port mismatch: got %d, want 4096", got.Port)
	}
	if got.Token != "deadbeef" {
		t.Errorf("Token mismatch: got %q", got.Token)
	}
}

func TestIsProcessAlive(t *testing.T) {
	t.Run("current process is alive", func(t *testing.T) {
		if !IsProcessAlive(os.Getpid()) {
			t.Error("expected current process to be alive")
		}
	})

	t.Run("non-existent process is not alive", func(t *testing.T) {
		if IsProcessAlive(9999999) {
			t.Error("expected non-existent process to not be alive")
		}
	})
}

func TestLockfileStale(t *testing.T) {
	t.Run("stale with dead PID", func(t *testing.T) {
		lf := &Lockfile{
			PID:       9999999,
			Port:      4096,
			StartedAt: time.Now().Add(-time.Hour),
		}
		if !lf.Stale() {
			t.Error("expected lockfile to be stale with dead PID")
		}
	})

	t.Run("stale with alive PID but no server", func(t *testing.T) {
		lf := &Lockfile{
			PID:       os.Getpid(),
			Port:      59999,
			StartedAt: time.Now(),
		}
		if !lf.Stale() {
			t.Error("expected lockfile to be stale when health check fails")
		}
	})
}
