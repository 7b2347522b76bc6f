// Package service installs and controls the taskwave daemon as a login
// service: a launchd agent on macOS, a systemd user unit on Linux, and a
// startup registry entry on Windows. All variants run `taskwave serve`.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/daemon"
)

// HandleCommand dispatches service management actions.
func HandleCommand(action string) error {
	switch strings.ToLower(action) {
	case "install":
		return serviceInstall()
	case "uninstall":
		return serviceUninstall()
	case "status":
		return serviceStatus()
	case "start":
		return serviceStart()
	case "stop":
		return serviceStop()
	default:
		return fmt.Errorf("unknown service action: %s (use install|uninstall|status|start|stop)", action)
	}
}

// ---------------------------------------------------------------------------
// Platform paths
// ---------------------------------------------------------------------------

// launchdLabel identifies the launchd agent and the systemd/registry unit
// names derive from the binary name.
const launchdLabel = "com.taskwave.daemon"

// ServiceExePath returns the path to the current executable.
func ServiceExePath() (string, error) {
	return os.Executable()
}

// LaunchdPlistPath returns the path to the launchd plist file.
func LaunchdPlistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
}

// SystemdUnitPath returns the path to the systemd user unit file.
func SystemdUnitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", "taskwave.service"), nil
}

// DaemonLogPath returns the path the service redirects daemon output to.
func DaemonLogPath() string {
	dir, err := config.DataDir()
	if err != nil {
		return "/tmp/taskwave-daemon.log"
	}
	return filepath.Join(dir, "daemon.log")
}

// ---------------------------------------------------------------------------
// Unit rendering
// ---------------------------------------------------------------------------

func launchdPlist(exe, logPath string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>serve</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
</dict>
</plist>
`, launchdLabel, exe, logPath, logPath)
}

func systemdUnit(exe, logPath string) string {
	return fmt.Sprintf(`[Unit]
Description=taskwave daemon
After=network.target

[Service]
Type=simple
ExecStart=%s serve
Restart=on-failure
RestartSec=5
StandardOutput=append:%s
StandardError=append:%s

[Install]
WantedBy=default.target
`, exe, logPath, logPath)
}

// ---------------------------------------------------------------------------
// Install
// ---------------------------------------------------------------------------

func serviceInstall() error {
	exe, err := ServiceExePath()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return installLaunchd(exe)
	case "linux":
		return installSystemd(exe)
	case "windows":
		return installWindows(exe)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func installLaunchd(exe string) error {
	path, err := LaunchdPlistPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(launchdPlist(exe, DaemonLogPath())), 0o644); err != nil {
		return fmt.Errorf("writing plist: %w", err)
	}

	out, err := exec.Command("launchctl", "load", "-w", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("launchctl load: %s: %w", string(out), err)
	}

	fmt.Printf("Service installed: %s\n", path)
	return nil
}

func installSystemd(exe string) error {
	path, err := SystemdUnitPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating systemd user dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(systemdUnit(exe, DaemonLogPath())), 0o644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	if out, err := exec.Command("systemctl", "--user", "daemon-reload").CombinedOutput(); err != nil {
		return fmt.Errorf("daemon-reload: %s: %w", string(out), err)
	}
	if out, err := exec.Command("systemctl", "--user", "enable", "taskwave").CombinedOutput(); err != nil {
		return fmt.Errorf("enable: %s: %w", string(out), err)
	}

	fmt.Printf("Service installed: %s\n", path)
	return nil
}

func installWindows(exe string) error {
	value := fmt.Sprintf(`"%s" serve`, exe)
	out, err := exec.Command("reg", "add",
		`HKCU\Software\Microsoft\Windows\CurrentVersion\Run`,
		"/v", "taskwave", "/t", "REG_SZ", "/d", value, "/f",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reg add: %s: %w", strings.TrimSpace(string(out)), err)
	}

	fmt.Println("Service installed (startup registry entry: HKCU\\...\\Run\\taskwave)")
	return nil
}

// ---------------------------------------------------------------------------
// Uninstall
// ---------------------------------------------------------------------------

func serviceUninstall() error {
	switch runtime.GOOS {
	case "darwin":
		return uninstallLaunchd()
	case "linux":
		return uninstallSystemd()
	case "windows":
		return uninstallWindows()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func uninstallLaunchd() error {
	path, err := LaunchdPlistPath()
	if err != nil {
		return err
	}
	if err := exec.Command("launchctl", "unload", "-w", path).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "service: launchctl unload: %v\n", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing plist: %w", err)
	}
	fmt.Println("Service uninstalled.")
	return nil
}

func uninstallSystemd() error {
	if err := exec.Command("systemctl", "--user", "stop", "taskwave").Run(); err != nil {
		fmt.Fprintf(os.Stderr, "service: systemctl stop: %v\n", err)
	}
	if err := exec.Command("systemctl", "--user", "disable", "taskwave").Run(); err != nil {
		fmt.Fprintf(os.Stderr, "service: systemctl disable: %v\n", err)
	}

	path, err := SystemdUnitPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	if err := exec.Command("systemctl", "--user", "daemon-reload").Run(); err != nil {
		fmt.Fprintf(os.Stderr, "service: systemctl daemon-reload: %v\n", err)
	}

	fmt.Println("Service uninstalled.")
	return nil
}

func uninstallWindows() error {
	out, err := exec.Command("reg", "delete",
		`HKCU\Software\Microsoft\Windows\CurrentVersion\Run`,
		"/v", "taskwave", "/f",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reg delete: %s: %w", strings.TrimSpace(string(out)), err)
	}
	fmt.Println("Service uninstalled.")
	return nil
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func serviceStatus() error {
	switch runtime.GOOS {
	case "darwin":
		out, err := exec.Command("launchctl", "list", launchdLabel).CombinedOutput()
		if err != nil {
			fmt.Println("Service is not loaded.")
			return nil
		}
		fmt.Println(string(out))
		return nil

	case "linux":
		// systemctl status returns non-zero for inactive services; the
		// output is still what the user asked for.
		out, _ := exec.Command("systemctl", "--user", "status", "taskwave").CombinedOutput()
		fmt.Println(string(out))
		return nil

	case "windows":
		out, err := exec.Command("reg", "query",
			`HKCU\Software\Microsoft\Windows\CurrentVersion\Run`,
			"/v", "taskwave",
		).CombinedOutput()
		if err != nil {
			fmt.Println("Service is not installed.")
		} else {
			fmt.Println("Startup entry found:")
			fmt.Println(strings.TrimSpace(string(out)))
		}
		lf, lfErr := daemon.ReadLockfile()
		if lfErr == nil && !lf.Stale() {
			fmt.Printf("Daemon running: PID %d, port %d\n", lf.PID, lf.Port)
		} else {
			fmt.Println("Daemon is not running.")
		}
		return nil

	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func serviceStart() error {
	switch runtime.GOOS {
	case "darwin":
		out, err := exec.Command("launchctl", "start", launchdLabel).CombinedOutput()
		if err != nil {
			return fmt.Errorf("launchctl start: %s: %w", string(out), err)
		}
		fmt.Println("Service started.")
		return nil

	case "linux":
		out, err := exec.Command("systemctl", "--user", "start", "taskwave").CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl start: %s: %w", string(out), err)
		}
		fmt.Println("Service started.")
		return nil

	case "windows":
		// No service manager involved; spawn the daemon detached.
		exe, err := ServiceExePath()
		if err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}
		cmd := exec.Command(exe, "serve")
		cmd.Stdout = nil
		cmd.Stderr = nil
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting daemon: %w", err)
		}
		if err := cmd.Process.Release(); err != nil {
			fmt.Fprintf(os.Stderr, "service: release process: %v\n", err)
		}
		fmt.Printf("Daemon started (PID %d).\n", cmd.Process.Pid)
		return nil

	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func serviceStop() error {
	switch runtime.GOOS {
	case "darwin":
		out, err := exec.Command("launchctl", "stop", launchdLabel).CombinedOutput()
		if err != nil {
			return fmt.Errorf("launchctl stop: %s: %w", string(out), err)
		}
		fmt.Println("Service stopped.")
		return nil

	case "linux":
		out, err := exec.Command("systemctl", "--user", "stop", "taskwave").CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl stop: %s: %w", string(out), err)
		}
		fmt.Println("Service stopped.")
		return nil

	case "windows":
		// Locate the daemon through its lockfile and kill it.
		lf, err := daemon.ReadLockfile()
		if err != nil {
			return fmt.Errorf("no running daemon found (no lockfile)")
		}
		proc, err := os.FindProcess(lf.PID)
		if err != nil {
			return fmt.Errorf("finding process: %w", err)
		}
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("killing process: %w", err)
		}
		if err := daemon.RemoveLockfile(); err != nil {
			fmt.Fprintf(os.Stderr, "service: remove lockfile: %v\n", err)
		}
		fmt.Println("Service stopped.")
		return nil

	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}
