package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxkit/config"
	"github.com/isdmx/sandboxkit/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	provider  sandbox.Provider
	mcpServer *server.MCPServer

	mu         sync.RWMutex
	instances  map[string]sandbox.Instance
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, provider sandbox.Provider) (*MCPServer, error) {
	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		provider:  provider,
		instances: make(map[string]sandbox.Instance),
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("server.metrics_addr", s.config.Server.MetricsAddr),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.String("sandbox.image", s.config.Sandbox.Image),
		zap.Int("sandbox.memory_mb", s.config.Sandbox.MemoryMB),
		zap.String("sandbox.region", s.config.Sandbox.Region),
		zap.String("sandbox.ttl", s.config.Sandbox.TTL),
		zap.Duration("sandbox.command_timeout", s.config.Sandbox.CommandTimeout),
		zap.Bool("sandbox.enable_local_backend", s.config.Sandbox.EnableLocalBackend),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("sandboxkit", "Sandbox lifecycle and command execution server")

	s.registerTools()

	return s, nil
}

func sandboxIDProperty() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Identifier returned by create_sandbox",
	}
}

// registerTools registers the sandbox tools
func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "create_sandbox",
		Description: "Create a new sandbox for a coding agent and return its id",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"agent_type": map[string]any{
					"type":        "string",
					"description": "Agent the sandbox image is built for (optional)",
					"enum":        []string{"codex", "claude", "opencode", "gemini", "grok"},
				},
				"working_directory": map[string]any{
					"type":        "string",
					"description": "Directory created inside the sandbox (optional)",
				},
				"envs": map[string]any{
					"type":                 "object",
					"description":          "Environment variables of the sandbox (optional)",
					"additionalProperties": map[string]any{"type": "string"},
				},
			},
		},
	}, s.handleCreateSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "resume_sandbox",
		Description: "Reattach to an existing sandbox by id",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"sandbox_id": sandboxIDProperty()},
			Required:   []string{"sandbox_id"},
		},
	}, s.handleResumeSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "run_command",
		Description: "Run a shell command in a sandbox. Background commands return immediately with a pid.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": sandboxIDProperty(),
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command line",
				},
				"background": map[string]any{
					"type":        "boolean",
					"description": "Start the command without waiting for it (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Timeout of a foreground command in milliseconds (optional)",
				},
			},
			Required: []string{"sandbox_id", "command"},
		},
	}, s.handleRunCommand)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "command_output",
		Description: "Return the output collected so far from a command started by run_command",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": sandboxIDProperty(),
				"pid": map[string]any{
					"type":        "string",
					"description": "Process id returned by run_command",
				},
			},
			Required: []string{"sandbox_id", "pid"},
		},
	}, s.handleCommandOutput)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_host",
		Description: "Expose a sandbox port and return its URL",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": sandboxIDProperty(),
				"port": map[string]any{
					"type":        "number",
					"description": "Port the service listens on inside the sandbox",
				},
			},
			Required: []string{"sandbox_id", "port"},
		},
	}, s.handleGetHost)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "pause_sandbox",
		Description: "Pause a sandbox. The next command resumes it.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"sandbox_id": sandboxIDProperty()},
			Required:   []string{"sandbox_id"},
		},
	}, s.handlePauseSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "kill_sandbox",
		Description: "Destroy a sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"sandbox_id": sandboxIDProperty()},
			Required:   []string{"sandbox_id"},
		},
	}, s.handleKillSandbox)
}

// commandResult is the JSON payload of run_command
type commandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	PID      string `json:"pid,omitempty"`
}

// outputResult is the JSON payload of command_output
type outputResult struct {
	PID      string `json:"pid"`
	Running  bool   `json:"running"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: fmt.Sprintf(format, args...),
			},
		},
		IsError: true,
	}
}

// instance returns the tracked instance for id, resuming it from the backend if needed
func (s *MCPServer) instance(ctx context.Context, id string) (sandbox.Instance, error) {
	s.mu.RLock()
	inst, ok := s.instances[id]
	s.mu.RUnlock()
	if ok {
		return inst, nil
	}

	inst, err := s.provider.Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	s.track(inst)
	return inst, nil
}

func (s *MCPServer) track(inst sandbox.Instance) {
	s.mu.Lock()
	s.instances[inst.ID()] = inst
	s.mu.Unlock()
}

func (s *MCPServer) forget(id string) {
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
}

// handleCreateSandbox handles the create_sandbox tool
func (s *MCPServer) handleCreateSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentType, err := sandbox.ParseAgentType(request.GetString("agent_type", ""))
	if err != nil {
		return nil, err
	}
	workingDirectory := request.GetString("working_directory", "")

	envs := map[string]string{}
	if raw, ok := request.GetArguments()["envs"].(map[string]any); ok {
		for name, value := range raw {
			str, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("env %s must be a string", name)
			}
			envs[name] = str
		}
	}

	s.logger.Info("sandbox creation requested",
		zap.String("agent_type", string(agentType)),
		zap.String("working_directory", workingDirectory),
		zap.Int("env_count", len(envs)))

	inst, err := s.provider.Create(ctx, envs, agentType, workingDirectory)
	if err != nil {
		s.logger.Error("sandbox creation failed", zap.Error(err))
		return errorResult("Sandbox creation failed: %v", err), nil
	}
	s.track(inst)

	return jsonResult(map[string]string{"sandbox_id": inst.ID()})
}

// handleResumeSandbox handles the resume_sandbox tool
func (s *MCPServer) handleResumeSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}

	inst, err := s.provider.Resume(ctx, id)
	if err != nil {
		s.logger.Warn("sandbox resume failed", zap.String("sandbox_id", id), zap.Error(err))
		return errorResult("Sandbox resume failed: %v", err), nil
	}
	s.track(inst)

	return jsonResult(map[string]string{"sandbox_id": inst.ID()})
}

// handleRunCommand handles the run_command tool
func (s *MCPServer) handleRunCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	inst, err := s.instance(ctx, id)
	if err != nil {
		return errorResult("Sandbox lookup failed: %v", err), nil
	}

	opts := &sandbox.CommandOptions{
		Background: request.GetBool("background", false),
		Timeout:    time.Duration(request.GetInt("timeout_ms", 0)) * time.Millisecond,
	}
	if opts.Background {
		cmdLogger := s.logger.With(zap.String("sandbox_id", id), zap.String("command", command))
		opts.OnStdout = func(chunk string) { cmdLogger.Debug("command stdout", zap.String("chunk", chunk)) }
		opts.OnStderr = func(chunk string) { cmdLogger.Debug("command stderr", zap.String("chunk", chunk)) }
	}

	s.logger.Info("running command",
		zap.String("sandbox_id", id),
		zap.Bool("background", opts.Background),
		zap.Duration("timeout", opts.Timeout))

	result := inst.Commands().Run(ctx, command, opts)

	s.logger.Info("command completed",
		zap.String("sandbox_id", id),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	return jsonResult(commandResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		PID:      result.PID,
	})
}

// handleCommandOutput handles the command_output tool
func (s *MCPServer) handleCommandOutput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}
	pid, err := request.RequireString("pid")
	if err != nil {
		return nil, fmt.Errorf("pid parameter is required: %w", err)
	}

	inst, err := s.instance(ctx, id)
	if err != nil {
		return errorResult("Sandbox lookup failed: %v", err), nil
	}

	out, err := inst.Commands().Output(ctx, pid)
	if err != nil {
		return errorResult("Reading command output failed: %v", err), nil
	}

	return jsonResult(outputResult{
		PID:      out.PID,
		Running:  out.Running,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	})
}

// handleGetHost handles the get_host tool
func (s *MCPServer) handleGetHost(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}
	port, err := request.RequireInt("port")
	if err != nil {
		return nil, fmt.Errorf("port parameter is required: %w", err)
	}

	inst, err := s.instance(ctx, id)
	if err != nil {
		return errorResult("Sandbox lookup failed: %v", err), nil
	}

	url, err := inst.GetHost(ctx, port)
	if err != nil {
		s.logger.Warn("port exposure failed", zap.String("sandbox_id", id), zap.Int("port", port), zap.Error(err))
		return errorResult("Exposing port failed: %v", err), nil
	}

	return jsonResult(map[string]string{"url": url})
}

// handlePauseSandbox handles the pause_sandbox tool
func (s *MCPServer) handlePauseSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}

	inst, err := s.instance(ctx, id)
	if err != nil {
		return errorResult("Sandbox lookup failed: %v", err), nil
	}
	if err := inst.Pause(ctx); err != nil {
		return errorResult("Sandbox pause failed: %v", err), nil
	}

	return jsonResult(map[string]string{"sandbox_id": id, "status": "paused"})
}

// handleKillSandbox handles the kill_sandbox tool
func (s *MCPServer) handleKillSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}

	inst, err := s.instance(ctx, id)
	if err != nil {
		return errorResult("Sandbox lookup failed: %v", err), nil
	}
	if err := inst.Kill(ctx); err != nil {
		s.logger.Error("sandbox kill failed", zap.String("sandbox_id", id), zap.Error(err))
		return errorResult("Sandbox kill failed: %v", err), nil
	}
	s.forget(id)

	s.logger.Info("sandbox killed", zap.String("sandbox_id", id))
	return jsonResult(map[string]string{"sandbox_id": id, "status": "terminated"})
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport if it is running
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	httpServer := s.httpServer
	s.mu.RUnlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
