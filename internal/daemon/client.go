package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNoDaemon means no live daemon was found via the lockfile.
var ErrNoDaemon = errors.New("daemon is not running")

// Client talks to a running daemon. CLI commands use it for operations
// that must reach live sessions, like an MCP reload.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client for the daemon at the given port.
func NewClient(port int, token string) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://localhost:%d", port),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Connect locates the running daemon through the lockfile. Returns
// ErrNoDaemon when there is no lockfile or the daemon it names is dead.
func Connect() (*Client, error) {
	lf, err := ReadLockfile()
	if err != nil {
		return nil, ErrNoDaemon
	}
	if lf.Stale() {
		return nil, ErrNoDaemon
	}
	return NewClient(lf.Port, lf.Token), nil
}

func (c *Client) do(method, path string, body any, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// Health checks that the daemon answers on its port.
func (c *Client) Health() error {
	return c.do(http.MethodGet, "/api/health", nil, nil)
}

// ReloadMCP asks the daemon to re-read the settings file and reconnect
// MCP servers in live sessions. Returns how many sessions reloaded.
func (c *Client) ReloadMCP() (int, error) {
	var out struct {
		Sessions int `json:"sessions"`
	}
	if err := c.do(http.MethodPost, "/api/mcp/reload", map[string]string{}, &out); err != nil {
		return 0, err
	}
	return out.Sessions, nil
}

// SetConfig updates one settings key on the running daemon so new
// sessions pick it up without a restart.
func (c *Client) SetConfig(key, value string) error {
	body := map[string]string{"key": key, "value": value}
	return c.do(http.MethodPost, "/api/config", body, nil)
}
