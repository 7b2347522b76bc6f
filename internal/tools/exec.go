package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/taskwave/taskwave/internal/provider"
)

const (
	// defaultExecTimeout applies when a run tool gets no timeout argument.
	defaultExecTimeout = 30
	// maxExecTimeout is the hard cap regardless of what the model asks for.
	maxExecTimeout = 120
)

func runBashTool() Definition {
	return Definition{
		Category: CategoryShell,
		Spec: provider.ToolSpec{
			Name:        "run_bash",
			Description: "Run a shell command in the workspace and return combined stdout and stderr. Commands time out after 30 seconds by default (cap 120). Failures come back as output, not errors, so you can read them.",
			Properties: map[string]provider.ToolProp{
				"command": {Type: "string", Description: "Command to run with sh -c"},
				"timeout": {Type: "integer", Description: "Timeout in seconds (default 30, max 120)"},
			},
			Required: []string{"command"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			command := stringArg(input, "command")
			if strings.TrimSpace(command) == "" {
				return "", fmt.Errorf("command is required")
			}
			return runSubprocess(ctx, tc, []string{"sh", "-c", command}, intArg(input, "timeout", 0))
		},
	}
}

func runPythonTool() Definition {
	return Definition{
		Category: CategoryPython,
		Spec: provider.ToolSpec{
			Name:        "run_python",
			Description: "Execute a Python snippet with python3 and return combined output. Same timeout discipline as run_bash.",
			Properties: map[string]provider.ToolProp{
				"code":    {Type: "string", Description: "Python source to execute"},
				"timeout": {Type: "integer", Description: "Timeout in seconds (default 30, max 120)"},
			},
			Required: []string{"code"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			code := stringArg(input, "code")
			if strings.TrimSpace(code) == "" {
				return "", fmt.Errorf("code is required")
			}
			return runSubprocess(ctx, tc, []string{"python3", "-c", code}, intArg(input, "timeout", 0))
		},
	}
}

func runPytestTool() Definition {
	return Definition{
		Category: CategoryPython,
		Spec: provider.ToolSpec{
			Name:        "run_pytest",
			Description: "Run pytest in the workspace. Optionally point it at a path and pass extra arguments.",
			Properties: map[string]provider.ToolProp{
				"path": {Type: "string", Description: "Test file or directory (default: pytest discovery)"},
				"args": {
					Type:        "array",
					Description: "Extra pytest arguments, e.g. [\"-k\", \"test_login\"]",
					Items:       &provider.ToolProp{Type: "string"},
				},
				"timeout": {Type: "integer", Description: "Timeout in seconds (default 30, max 120)"},
			},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			argv := []string{"python3", "-m", "pytest"}
			if path := stringArg(input, "path"); path != "" {
				argv = append(argv, path)
			}
			if raw, ok := input["args"].([]any); ok {
				for _, a := range raw {
					if s, ok := a.(string); ok && s != "" {
						argv = append(argv, s)
					}
				}
			}
			return runSubprocess(ctx, tc, argv, intArg(input, "timeout", 0))
		},
	}
}

// runSubprocess runs argv in the workspace with a bounded timeout and
// returns combined output. Non-zero exits and timeouts are reported in the
// result string so the model can react to them.
func runSubprocess(ctx context.Context, tc *Context, argv []string, timeoutSec int) (string, error) {
	if timeoutSec <= 0 {
		timeoutSec = defaultExecTimeout
	}
	if timeoutSec > maxExecTimeout {
		timeoutSec = maxExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = tc.Workspace
	out, err := cmd.CombinedOutput()
	output := strings.TrimRight(string(out), "\n")

	if runCtx.Err() == context.DeadlineExceeded {
		if output != "" {
			output += "\n"
		}
		return output + fmt.Sprintf("(command timed out after %ds)", timeoutSec), nil
	}
	if err != nil {
		if output != "" {
			output += "\n"
		}
		return output + fmt.Sprintf("(command failed: %v)", err), nil
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}
