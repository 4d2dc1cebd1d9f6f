// Package mcpclient wires llm steps to external MCP tool servers. It is the
// client-side counterpart to pkg/mcp's server: a local child process reached
// over stdio or a remote server reached over SSE, its tools discovered with
// listTools and invoked with callTool, each wrapped as an actions.Action.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/arvensis/weft/internal/actions"
)

// defaultCallTimeout bounds a single listTools/callTool round trip when a
// ServerConfig sets no Timeout of its own.
const defaultCallTimeout = 60 * time.Second

// sensitiveEnvNames matches environment variable names stripped from a
// locally spawned server's inherited environment unless the config
// explicitly re-supplies them in Env.
var sensitiveEnvNames = regexp.MustCompile(`(?i)(API_KEY|TOKEN|SECRET|PASSWORD|CREDENTIAL|AUTH)`)

// ServerConfig describes one MCP server an llm step can draw tools from.
// Exactly one of Command or URL should be set: Command spawns a local child
// process speaking stdio, URL dials a remote server over SSE.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	// Env is re-supplied verbatim to a local child even if its name matches
	// sensitiveEnvNames; every other inherited var matching that pattern is
	// stripped before the child is spawned.
	Env     []string
	URL     string
	Timeout time.Duration
}

// Client wraps a single MCP server connection, past its initialize
// handshake and ready to list and call tools.
type Client struct {
	name    string
	session *client.Client
	timeout time.Duration
}

// Dial starts (local) or connects to (remote) an MCP server and completes
// the initialize handshake.
func Dial(ctx context.Context, cfg ServerConfig) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	var (
		session *client.Client
		err     error
	)
	switch {
	case cfg.URL != "":
		session, err = client.NewSSEMCPClient(cfg.URL)
	case cfg.Command != "":
		session, err = client.NewStdioMCPClient(cfg.Command, filterEnv(cfg.Env), cfg.Args...)
	default:
		return nil, fmt.Errorf("mcp server %q: config sets neither command nor url", cfg.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("dial mcp server %q: %w", cfg.Name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := session.Start(initCtx); err != nil {
		return nil, fmt.Errorf("start mcp server %q: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "weft", Version: "1.0.0"}
	if _, err := session.Initialize(initCtx, initReq); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("initialize mcp server %q: %w", cfg.Name, err)
	}

	return &Client{name: cfg.Name, session: session, timeout: timeout}, nil
}

// Close terminates the underlying transport.
func (c *Client) Close() error { return c.session.Close() }

// Actions lists the server's tools and wraps each as an actions.Action,
// named "<serverName>.<toolName>" so tools from different servers never
// collide in a single step's tool set.
func (c *Client) Actions(ctx context.Context) ([]actions.Action, error) {
	listCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.session.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %q: %w", c.name, err)
	}

	out := make([]actions.Action, 0, len(res.Tools))
	for _, tool := range res.Tools {
		inputSchema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			continue
		}
		out = append(out, &toolAction{
			client:      c,
			name:        tool.Name,
			description: tool.Description,
			inputSchema: inputSchema,
		})
	}
	return out, nil
}

// toolAction adapts one remote MCP tool to the actions.Action interface.
type toolAction struct {
	client      *Client
	name        string
	description string
	inputSchema json.RawMessage
}

func (a *toolAction) Name() string { return a.client.name + "." + a.name }

func (a *toolAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{Description: a.description, InputSchema: a.inputSchema}
}

func (a *toolAction) Validate(map[string]any) error { return nil }

func (a *toolAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.client.timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = a.name
	req.Params.Arguments = input.Params

	res, err := a.client.session.CallTool(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %q on %q: %w", a.name, a.client.name, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("tool %q on %q returned an error: %s", a.name, a.client.name, contentText(res.Content))
	}

	data, err := json.Marshal(map[string]any{"content": res.Content})
	if err != nil {
		return nil, fmt.Errorf("marshal tool %q result: %w", a.name, err)
	}
	return &actions.ActionOutput{Data: data}, nil
}

func contentText(content []mcp.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// filterEnv builds a local child's environment: the process's own
// environment with any sensitive-looking variable stripped, plus explicit
// re-supplied verbatim.
func filterEnv(explicit []string) []string {
	allow := make(map[string]bool, len(explicit))
	for _, kv := range explicit {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			allow[kv[:idx]] = true
		}
	}

	inherited := os.Environ()
	out := make([]string, 0, len(inherited)+len(explicit))
	for _, kv := range inherited {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		name := kv[:idx]
		if sensitiveEnvNames.MatchString(name) && !allow[name] {
			continue
		}
		out = append(out, kv)
	}
	return append(out, explicit...)
}

// Manager owns long-lived connections to the MCP servers a Runner is
// configured with, dialing each lazily on first use by name and reusing the
// connection across steps and runs.
type Manager struct {
	mu      sync.RWMutex
	configs map[string]ServerConfig
	clients map[string]*Client
	logger  *slog.Logger
}

// NewManager builds an empty Manager. Servers are added with Register.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configs: make(map[string]ServerConfig),
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Register adds or replaces a server's config. It does not dial the server;
// dialing happens lazily the first time Actions names it.
func (m *Manager) Register(cfg ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.Name] = cfg
}

// Actions returns the combined action set exposed by the named servers,
// dialing any not already connected.
func (m *Manager) Actions(ctx context.Context, names []string) ([]actions.Action, error) {
	var out []actions.Action
	for _, name := range names {
		c, err := m.connect(ctx, name)
		if err != nil {
			return nil, err
		}
		acts, err := c.Actions(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, acts...)
	}
	return out, nil
}

func (m *Manager) connect(ctx context.Context, name string) (*Client, error) {
	m.mu.RLock()
	if c, ok := m.clients[name]; ok {
		m.mu.RUnlock()
		return c, nil
	}
	cfg, ok := m.configs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp server %q is not registered", name)
	}

	c, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.clients[name]; ok {
		m.mu.Unlock()
		_ = c.Close()
		return existing, nil
	}
	m.clients[name] = c
	m.mu.Unlock()

	m.logger.Info("mcp server connected", slog.String("name", name))
	return c, nil
}

// Close disconnects every connected server.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastErr error
	for name, c := range m.clients {
		if err := c.Close(); err != nil {
			lastErr = err
			m.logger.Error("mcp server close failed", slog.String("name", name), slog.String("error", err.Error()))
		}
	}
	m.clients = make(map[string]*Client)
	return lastErr
}
