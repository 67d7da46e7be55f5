package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/databridge-io/databridge/pkg/faults"
)

// External utility tools are discovered from a subprocess MCP server
// over stdio and registered alongside the built-in tools.

// MCPSourceConfig configures one MCP server subprocess.
type MCPSourceConfig struct {
	// Name identifies this source and prefixes its tool names.
	Name string

	// Command and Args launch the server subprocess.
	Command string
	Args    []string
	Env     map[string]string

	// Filter limits which discovered tools are registered. Empty means
	// register everything.
	Filter []string
}

// MCPSource owns the connection to one MCP server.
type MCPSource struct {
	cfg MCPSourceConfig

	mu        sync.Mutex
	client    *client.Client
	connected bool
}

func NewMCPSource(cfg MCPSourceConfig) (*MCPSource, error) {
	if cfg.Command == "" {
		return nil, faults.New(faults.ConfigInvalid, "mcp source requires a command")
	}
	if cfg.Name == "" {
		cfg.Name = "mcp"
	}
	return &MCPSource{cfg: cfg}, nil
}

func (s *MCPSource) Name() string { return s.cfg.Name }

// DiscoverInto connects to the server, lists its tools, and registers
// each as a utility tool named <source>_<tool>.
func (s *MCPSource) DiscoverInto(ctx context.Context, reg *Registry) error {
	if err := s.connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	mcpClient := s.client
	s.mu.Unlock()

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return faults.Wrap(faults.BackendUnreachable,
			fmt.Sprintf("cannot list tools from mcp source %s", s.cfg.Name), err)
	}

	filterSet := make(map[string]bool, len(s.cfg.Filter))
	for _, name := range s.cfg.Filter {
		filterSet[name] = true
	}

	registered := 0
	for _, mcpTool := range listResp.Tools {
		if len(filterSet) > 0 && !filterSet[mcpTool.Name] {
			continue
		}

		meta := ToolMetadata{
			Name:                fmt.Sprintf("%s_%s", s.cfg.Name, mcpTool.Name),
			Description:         mcpTool.Description,
			Category:            CategoryUtility,
			Complexity:          2,
			EstimatedDurationMS: 2000,
			Parallelizable:      true,
		}
		toolName := mcpTool.Name
		fn := func(ctx context.Context, params map[string]any) (any, error) {
			return s.call(ctx, toolName, params)
		}
		if err := reg.Register(meta, fn); err != nil {
			return err
		}
		registered++
	}

	slog.Info("Registered MCP tools", "source", s.cfg.Name, "tools", registered)
	return nil
}

func (s *MCPSource) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, s.convertEnv(), s.cfg.Args...)
	if err != nil {
		return faults.Wrap(faults.BackendUnreachable,
			fmt.Sprintf("cannot launch mcp source %s", s.cfg.Name), err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return faults.Wrap(faults.BackendUnreachable,
			fmt.Sprintf("cannot start mcp source %s", s.cfg.Name), err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "databridge",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = "2024-11-05"

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return faults.Wrap(faults.BackendUnreachable,
			fmt.Sprintf("cannot initialize mcp source %s", s.cfg.Name), err)
	}

	s.client = mcpClient
	s.connected = true
	return nil
}

func (s *MCPSource) call(ctx context.Context, tool string, args map[string]any) (any, error) {
	s.mu.Lock()
	mcpClient := s.client
	s.mu.Unlock()

	if mcpClient == nil {
		return nil, faults.New(faults.BackendUnreachable,
			fmt.Sprintf("mcp source %s is not connected", s.cfg.Name))
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, faults.Wrap(faults.ToolExecutionFailed,
			fmt.Sprintf("mcp tool %s failed", tool), err)
	}
	return parseMCPResult(tool, resp)
}

func parseMCPResult(tool string, resp *mcp.CallToolResult) (any, error) {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	if resp.IsError {
		message := "unknown error"
		if len(texts) > 0 {
			message = texts[0]
		}
		return nil, faults.New(faults.ToolExecutionFailed,
			fmt.Sprintf("mcp tool %s: %s", tool, message))
	}

	switch len(texts) {
	case 0:
		return map[string]any{}, nil
	case 1:
		return map[string]any{"result": texts[0]}, nil
	default:
		return map[string]any{"results": texts}, nil
	}
}

func (s *MCPSource) convertEnv() []string {
	if s.cfg.Env == nil {
		return nil
	}
	out := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// Close shuts down the server subprocess.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		s.connected = false
		return err
	}
	return nil
}
