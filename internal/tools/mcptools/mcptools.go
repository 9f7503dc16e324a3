// Package mcptools exposes the tools of external Model Context Protocol
// servers as [tools.Tool] values, so the live model can call them through the
// same registry as the built-in handlers.
//
// A [Source] owns one MCP client and the sessions it opened. Each connected
// server contributes its listed tools once, at connect time; a server that
// changes its tool set must be reconnected.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/deckvoice/internal/tools"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

// Transport selects how a server is reached.
type Transport string

const (
	// TransportStdio launches the server as a subprocess and speaks MCP over
	// its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a server over MCP streamable HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and errors. Must be unique per Source.
	Name string

	Transport Transport

	// Command is the executable plus arguments, split on whitespace. Stdio only.
	Command string

	// URL is the endpoint. Streamable HTTP only.
	URL string

	// Env is added to the subprocess environment. Stdio only.
	Env map[string]string
}

// Source connects to MCP servers and adapts their tools.
type Source struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// New returns a Source that identifies itself to servers as deckvoice at the
// given version.
func New(version string) *Source {
	return &Source{
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "deckvoice", Version: version}, nil),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect validates cfg, opens its transport and returns the server's tools.
func (s *Source) Connect(ctx context.Context, cfg ServerConfig) ([]tools.Tool, error) {
	if cfg.Name == "" {
		return nil, errors.New("mcptools: server name is required")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcptools: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcptools: streamable-http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("mcptools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	return s.ConnectTransport(ctx, cfg.Name, transport)
}

// ConnectTransport opens a session over an already built transport and
// returns the server's tools. Reconnecting a name closes its previous
// session; tools handed out for that session stop working.
func (s *Source) ConnectTransport(ctx context.Context, name string, transport mcpsdk.Transport) ([]tools.Tool, error) {
	session, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptools: connect %q: %w", name, err)
	}

	var out []tools.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcptools: list tools of %q: %w", name, err)
		}
		out = append(out, adapt(name, session, t))
	}

	s.mu.Lock()
	if old, ok := s.sessions[name]; ok {
		_ = old.Close()
	}
	s.sessions[name] = session
	s.mu.Unlock()

	return out, nil
}

// Close ends every session. Tools handed out earlier fail afterwards.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, session := range s.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcptools: close %q: %w", name, err))
		}
		delete(s.sessions, name)
	}
	return errors.Join(errs...)
}

func adapt(server string, session *mcpsdk.ClientSession, t *mcpsdk.Tool) tools.Tool {
	name := t.Name
	return tools.Tool{
		Declaration: live.ToolDeclaration{
			Name:        name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		},
		Handler: func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			in := map[string]any{}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("mcptools: %s: decode args: %w", name, err)
				}
			}

			res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: in})
			if err != nil {
				return nil, fmt.Errorf("mcptools: %s/%s: %w", server, name, err)
			}

			text := joinText(res.Content)
			if res.IsError {
				return nil, fmt.Errorf("mcptools: %s/%s: %s", server, name, text)
			}
			payload := map[string]any{"content": text}
			if res.StructuredContent != nil {
				payload["structured"] = res.StructuredContent
			}
			return payload, nil
		},
	}
}

func joinText(content []mcpsdk.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// schemaToMap turns whatever the SDK decoded as an input schema into the
// plain map the live providers declare. Anything unusable becomes an empty
// object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

func splitCommand(command string) (string, []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
