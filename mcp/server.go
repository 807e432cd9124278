// Package mcp exposes the marketplace to agents and posters as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/services"
)

// toolHandler runs one tool for an authenticated caller.
type toolHandler func(ctx context.Context, caller marketplace.Identity, a args) (any, error)

// Server wraps the mcp-go server with the marketplace services.
type Server struct {
	mcpServer *server.MCPServer
	m         *services.Marketplace
	keys      *KeyStore
	handlers  map[string]toolHandler
	tools     map[string]mcp.Tool
}

// NewServer creates the tool server and registers every tool.
func NewServer(m *services.Marketplace, keys *KeyStore, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mcpServer: server.NewMCPServer("AgentWork Marketplace", version, server.WithToolCapabilities(true)),
		m:         m,
		keys:      keys,
		handlers:  make(map[string]toolHandler),
		tools:     make(map[string]mcp.Tool),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server for transport setup.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves tools on stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Tools returns the registered tool names, sorted.
func (s *Server) Tools() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) register(tool mcp.Tool, h toolHandler) {
	name := tool.Name
	s.handlers[name] = h
	s.tools[name] = tool
	s.mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.call(ctx, name, req.GetArguments()), nil
	})
}

// call runs a tool and renders its result, or its error, as JSON text.
func (s *Server) call(ctx context.Context, name string, raw map[string]any) *mcp.CallToolResult {
	out, err := s.invoke(ctx, name, raw)
	if err != nil {
		return errorResult(name, err)
	}
	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errorResult(name, err)
	}
	return mcp.NewToolResultText(string(body))
}

// invoke authenticates the api_key argument and runs the named tool.
func (s *Server) invoke(ctx context.Context, name string, raw map[string]any) (any, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, marketplace.NotFoundf("unknown tool %q", name)
	}
	a := args{tool: name, raw: raw}
	caller, ok := s.keys.Resolve(a.str("api_key"))
	if !ok {
		log.Printf("AUDIT: rejected %s: missing or unknown api key", name)
		return nil, NewUnauthorizedError(name)
	}
	start := time.Now()
	out, err := h(ctx, caller, a)
	if err != nil {
		log.Printf("AUDIT: %s by %s failed in %s: %v", name, caller.Ref(), time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}
	log.Printf("AUDIT: %s by %s ok in %s", name, caller.Ref(), time.Since(start).Round(time.Millisecond))
	return out, nil
}

// args reads loosely typed tool arguments.
type args struct {
	tool string
	raw  map[string]any
}

func (a args) str(key string) string {
	switch v := a.raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return ""
	}
}

func (a args) required(key string) (string, error) {
	v := a.str(key)
	if v == "" {
		return "", NewMissingFieldError(a.tool, key)
	}
	return v, nil
}

func (a args) list(key string) []string {
	switch v := a.raw[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return v
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return nil
}

func (a args) number(key string, def int) (int, error) {
	raw := a.str(key)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != float64(int(f)) {
		return 0, NewInvalidFieldError(a.tool, key, key+" must be a whole number")
	}
	return int(f), nil
}

func (a args) boolean(key string) bool {
	switch v := a.raw[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (a args) usdc(key string) (marketplace.USDC, error) {
	raw, err := a.required(key)
	if err != nil {
		return 0, err
	}
	v, err := marketplace.ParseUSDC(raw)
	if err != nil {
		return 0, NewInvalidFieldError(a.tool, key, err.Error())
	}
	return v, nil
}

func (a args) timestamp(key string) (*time.Time, error) {
	raw := a.str(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, NewInvalidFieldError(a.tool, key, key+" must be an RFC 3339 timestamp")
	}
	return &t, nil
}

// decode converts a structured argument into out through JSON.
func (a args) decode(key string, out any) error {
	v, ok := a.raw[key]
	if !ok || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return NewInvalidFieldError(a.tool, key, err.Error())
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewInvalidFieldError(a.tool, key, "malformed "+key+": "+err.Error())
	}
	return nil
}
