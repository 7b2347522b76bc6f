// Package mcp multiplexes tool calls across the configured MCP servers. It
// keeps one lazily-dialed connection per server over a stdio, SSE, or
// streamable HTTP transport and exposes the merged tool catalog under
// qualified "server.tool" names.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/provider"
)

// serverStatus describes the connection state of an MCP server.
type serverStatus int

const (
	statusDisconnected serverStatus = iota
	statusConnecting
	statusConnected
	statusDegraded
)

func (s serverStatus) String() string {
	switch s {
	case statusDisconnected:
		return "disconnected"
	case statusConnecting:
		return "connecting"
	case statusConnected:
		return "connected"
	case statusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// connectTimeout bounds a single handshake plus tool discovery.
var connectTimeout = 30 * time.Second

// callTimeout bounds a single tool invocation.
var callTimeout = 30 * time.Second

// Reconnect backoff after a failed dial, doubling per consecutive failure.
const (
	reconnectInitialWait = 2 * time.Second
	reconnectMaxWait     = 30 * time.Second
)

// StrictLifetime makes transport lifetime violations panic instead of being
// logged. Development builds and tests set this; release builds leave it off
// so a misbehaving caller degrades to a logged error.
var StrictLifetime = false

type ownerKey struct{}

// ContextWithOwner tags ctx with the session that owns transports opened
// under it. Teardown entry points verify the tag.
func ContextWithOwner(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, sessionID)
}

func ownerFrom(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey{}).(string)
	return id
}

// serverConn holds the state for a single MCP server connection. Mutable
// fields are guarded by the Manager's mu; dialMu serializes dial attempts and
// callMu serializes tool calls over the transport's request correlator.
type serverConn struct {
	name   string
	config config.MCPServerConfig

	dialMu sync.Mutex
	callMu sync.Mutex

	session     *mcpsdk.ClientSession
	kill        context.CancelFunc
	tools       []*mcpsdk.Tool
	status      serverStatus
	closed      bool
	lastErr     error
	lastAttempt time.Time
	backoff     time.Duration
}

// Manager owns the connections to all configured MCP servers for one
// session. Connections are dialed on first use and live until Close or
// Reload; a failed server is marked degraded while the others stay usable.
type Manager struct {
	owner string
	log   *zap.Logger

	mu      sync.RWMutex
	servers map[string]*serverConn
}

// NewManager registers the given expanded server configs without dialing
// anything. owner is the session id whose context must drive teardown; empty
// means unowned (process-wide helpers like the CLI status command).
func NewManager(servers map[string]config.MCPServerConfig, owner string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		owner:   owner,
		log:     log,
		servers: make(map[string]*serverConn, len(servers)),
	}
	for name, sc := range servers {
		key := sanitizeServer(name)
		m.servers[key] = &serverConn{name: key, config: sc}
	}
	return m
}

// ServerNames returns the sanitized names of all registered servers, sorted.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newTransport creates the transport for a server config. Extracted for
// testability.
var newTransport = defaultNewTransport

func defaultNewTransport(sc config.MCPServerConfig) (mcpsdk.Transport, context.CancelFunc) {
	switch sc.Transport {
	case "sse":
		return &mcpsdk.SSEClientTransport{Endpoint: sc.URL}, func() {}
	case "http":
		return &mcpsdk.StreamableClientTransport{Endpoint: sc.URL}, func() {}
	default: // stdio
		cmd := exec.Command(sc.Command, sc.Args...)
		if len(sc.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range sc.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, func() {
			if cmd.Process != nil {
				// The child may already have exited; kill errors are fine.
				_ = cmd.Process.Kill()
			}
		}
	}
}

// EnsureConnected dials the named server if it is not already connected.
// Idempotent; repeated failures back off exponentially, so a call inside the
// backoff window returns the previous error without touching the transport.
func (m *Manager) EnsureConnected(ctx context.Context, server string) error {
	m.mu.RLock()
	conn, ok := m.servers[server]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", server)
	}
	return m.ensure(ctx, conn)
}

// ConnectAll dials every registered server and returns the dial error per
// failed server. Used by the CLI status path; normal operation dials lazily.
func (m *Manager) ConnectAll(ctx context.Context) map[string]error {
	m.mu.RLock()
	conns := make([]*serverConn, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	errs := make(map[string]error)
	for _, conn := range conns {
		if err := m.ensure(ctx, conn); err != nil {
			errs[conn.name] = err
		}
	}
	return errs
}

func (m *Manager) ensure(ctx context.Context, conn *serverConn) error {
	conn.dialMu.Lock()
	defer conn.dialMu.Unlock()

	m.mu.RLock()
	status := conn.status
	closed := conn.closed
	lastErr := conn.lastErr
	remaining := conn.backoff - time.Since(conn.lastAttempt)
	m.mu.RUnlock()

	if closed {
		return fmt.Errorf("mcp: server %q connection was closed", conn.name)
	}
	if status == statusConnected {
		return nil
	}
	if lastErr != nil && remaining > 0 {
		return fmt.Errorf("mcp: server %q retry in %s after: %w",
			conn.name, remaining.Round(time.Millisecond), lastErr)
	}

	m.mu.Lock()
	conn.status = statusConnecting
	m.mu.Unlock()

	session, kill, tools, err := m.dial(ctx, conn.config)

	m.mu.Lock()
	defer m.mu.Unlock()
	conn.lastAttempt = time.Now()
	if err != nil {
		conn.status = statusDegraded
		conn.lastErr = err
		if conn.backoff == 0 {
			conn.backoff = reconnectInitialWait
		} else if conn.backoff < reconnectMaxWait {
			conn.backoff *= 2
			if conn.backoff > reconnectMaxWait {
				conn.backoff = reconnectMaxWait
			}
		}
		m.log.Warn("mcp server dial failed",
			zap.String("server", conn.name),
			zap.Duration("next_retry", conn.backoff),
			zap.Error(err))
		return err
	}

	conn.session = session
	conn.kill = kill
	conn.tools = tools
	conn.status = statusConnected
	conn.lastErr = nil
	conn.backoff = 0
	m.log.Debug("mcp server connected",
		zap.String("server", conn.name),
		zap.Int("tools", len(tools)))
	return nil
}

func (m *Manager) dial(ctx context.Context, sc config.MCPServerConfig) (*mcpsdk.ClientSession, context.CancelFunc, []*mcpsdk.Tool, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "taskwave",
		Version: "1.0",
	}, nil)

	transport, kill := newTransport(sc)

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	session, err := client.Connect(connCtx, transport, nil)
	if err != nil {
		kill()
		return nil, nil, nil, fmt.Errorf("connecting: %w", err)
	}

	listCtx, listCancel := context.WithTimeout(ctx, connectTimeout)
	defer listCancel()
	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		session.Close()
		kill()
		return nil, nil, nil, fmt.Errorf("listing tools: %w", err)
	}
	return session, kill, result.Tools, nil
}

// ListAllTools dials any not-yet-connected servers and returns the merged
// catalog sorted by qualified name. Degraded servers contribute nothing; the
// per-server tool lists stay cached until Reload.
func (m *Manager) ListAllTools(ctx context.Context) []provider.ToolSpec {
	m.mu.RLock()
	conns := make([]*serverConn, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		// Dial errors are already recorded on the connection.
		_ = m.ensure(ctx, conn)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var specs []provider.ToolSpec
	for _, conn := range conns {
		if conn.status != statusConnected {
			continue
		}
		for _, tool := range conn.tools {
			specs = append(specs, ToToolSpec(conn.name, tool))
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// ToolNames returns the sorted qualified names of all connected servers'
// tools, without dialing anything.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, conn := range m.servers {
		if conn.status != statusConnected {
			continue
		}
		for _, tool := range conn.tools {
			names = append(names, QualifiedName(conn.name, tool.Name))
		}
	}
	sort.Strings(names)
	return names
}

// CallTool invokes a qualified "server.tool" name, connecting on first use.
// Returns (result text, isError). A transport failure degrades the server,
// waits out the reconnect backoff, and re-issues the call once; a second
// failure is returned as the tool result.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (string, bool) {
	server, tool, ok := SplitQualified(name)
	if !ok {
		return fmt.Sprintf("tool %q is not a qualified server tool name", name), true
	}

	m.mu.RLock()
	conn, found := m.servers[server]
	m.mu.RUnlock()
	if !found {
		return fmt.Sprintf("MCP server %q not found", server), true
	}

	if err := m.ensure(ctx, conn); err != nil {
		return fmt.Sprintf("MCP server %q is unavailable: %v", server, err), true
	}

	text, isErr, transportErr := m.invoke(ctx, conn, tool, args)
	if transportErr == nil {
		return text, isErr
	}

	m.degrade(conn, transportErr)
	if !m.waitBackoff(ctx, conn) {
		return fmt.Sprintf("MCP tool call failed: %v", transportErr), true
	}
	if err := m.ensure(ctx, conn); err != nil {
		return fmt.Sprintf("MCP tool call failed: %v (reconnect: %v)", transportErr, err), true
	}
	text, isErr, transportErr = m.invoke(ctx, conn, tool, args)
	if transportErr != nil {
		m.degrade(conn, transportErr)
		return fmt.Sprintf("MCP tool call failed: %v", transportErr), true
	}
	return text, isErr
}

// invoke performs one tool call. The returned error is a transport failure
// eligible for reconnect; server-reported errors and timeouts come back as
// (text, true, nil) so the executor surfaces them as tool results.
func (m *Manager) invoke(ctx context.Context, conn *serverConn, tool string, args map[string]any) (string, bool, error) {
	m.mu.RLock()
	session := conn.session
	m.mu.RUnlock()
	if session == nil {
		return "", false, fmt.Errorf("no active session")
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	conn.callMu.Lock()
	result, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	conn.callMu.Unlock()

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Sprintf("MCP tool call timed out after %s", callTimeout), true, nil
		}
		return "", false, err
	}
	if result == nil {
		return "MCP server returned empty response", true, nil
	}
	text := extractTextContent(result.Content)
	if text == "" {
		return "MCP server returned empty response", true, nil
	}
	return text, result.IsError, nil
}

func (m *Manager) degrade(conn *serverConn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn.status = statusDegraded
	conn.lastErr = err
	conn.lastAttempt = time.Now()
	if conn.backoff == 0 {
		conn.backoff = reconnectInitialWait
	}
	m.log.Warn("mcp transport failure", zap.String("server", conn.name), zap.Error(err))
}

// waitBackoff sleeps out the connection's current backoff window, returning
// false if ctx ends first.
func (m *Manager) waitBackoff(ctx context.Context, conn *serverConn) bool {
	m.mu.RLock()
	remaining := conn.backoff - time.Since(conn.lastAttempt)
	m.mu.RUnlock()
	if remaining <= 0 {
		return true
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Reload swaps in fresh connections, rebuilding catalogs on next use. A nil
// servers map reuses the current configs. In-flight calls finish against the
// old connections, which are drained and closed in the background; the
// owning session itself is untouched.
func (m *Manager) Reload(ctx context.Context, servers map[string]config.MCPServerConfig) {
	m.checkOwner(ctx, "reload")

	m.mu.Lock()
	old := m.servers
	fresh := make(map[string]*serverConn)
	if servers == nil {
		for name, conn := range old {
			fresh[name] = &serverConn{name: name, config: conn.config}
		}
	} else {
		for name, sc := range servers {
			key := sanitizeServer(name)
			fresh[key] = &serverConn{name: key, config: sc}
		}
	}
	m.servers = fresh
	m.mu.Unlock()

	for _, conn := range old {
		go m.closeConn(conn)
	}
}

// Close tears down every connection, waiting for in-flight calls to finish.
// Must be called from the owning session's context.
func (m *Manager) Close(ctx context.Context) {
	m.checkOwner(ctx, "close")

	m.mu.Lock()
	conns := make([]*serverConn, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.closeConn(conn)
	}
}

// closeConn drains the in-flight call, closes the session, and kills the
// transport. Safe to call on never-dialed connections.
func (m *Manager) closeConn(conn *serverConn) {
	conn.callMu.Lock()
	defer conn.callMu.Unlock()

	m.mu.Lock()
	session := conn.session
	kill := conn.kill
	conn.session = nil
	conn.kill = nil
	conn.tools = nil
	conn.status = statusDisconnected
	conn.closed = true
	m.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			m.log.Warn("mcp session close", zap.String("server", conn.name), zap.Error(err))
		}
	}
	if kill != nil {
		kill()
	}
}

// checkOwner enforces that teardown flows through the owning session's
// context. Panics under StrictLifetime, otherwise logs and continues.
func (m *Manager) checkOwner(ctx context.Context, op string) {
	if m.owner == "" {
		return
	}
	caller := ownerFrom(ctx)
	if caller == m.owner {
		return
	}
	msg := fmt.Sprintf("mcp: %s on connections owned by session %q called from context of %q", op, m.owner, caller)
	if StrictLifetime {
		panic(msg)
	}
	m.log.Error("transport lifetime violation",
		zap.String("op", op),
		zap.String("owner", m.owner),
		zap.String("caller", caller))
}

// Statuses returns the health of each server, with the last error appended
// for degraded ones.
func (m *Manager) Statuses() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]string, len(m.servers))
	for name, conn := range m.servers {
		s := conn.status.String()
		if conn.status == statusDegraded && conn.lastErr != nil {
			s += ": " + conn.lastErr.Error()
		}
		statuses[name] = s
	}
	return statuses
}

// extractTextContent concatenates text from MCP Content items.
func extractTextContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
