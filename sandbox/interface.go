// Package sandbox provides a uniform abstraction over remote execution environments.
//
// Every backend implements the Provider and Instance interfaces. Callers create
// or resume an Instance, run shell commands through its Commands channel, expose
// ports and finally pause or kill it, without knowing which backend serves them.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AgentType identifies the coding agent a sandbox is provisioned for
type AgentType string

// Known agent types
const (
	AgentCodex    AgentType = "codex"
	AgentClaude   AgentType = "claude"
	AgentOpenCode AgentType = "opencode"
	AgentGemini   AgentType = "gemini"
	AgentGrok     AgentType = "grok"
)

// Image constants
const (
	DefaultImage  = "blaxel/vibekit-codex"
	ClaudeImage   = "blaxel/vibekit-claude"
	OpenCodeImage = "blaxel/vibekit-opencode"
	GeminiImage   = "blaxel/vibekit-gemini"
	GrokImage     = "blaxel/vibekit-grok"
)

// Execution constants
const (
	// ExitCodeInternal marks a failure that kept the command from running or completing.
	ExitCodeInternal = 1
	// BackgroundAck is returned as stdout when a command is accepted for background execution.
	BackgroundAck = "Background command started successfully"
)

// Stream names a process output stream
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// ExecutionResult is the uniform outcome of running a command
type ExecutionResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// PID is the backend process identifier. Only set for background commands.
	PID string
}

// CommandOptions controls a single Run invocation
type CommandOptions struct {
	// Timeout bounds the wait of a synchronous command. Zero falls back to the provider default.
	Timeout    time.Duration
	Background bool
	// OnStdout and OnStderr receive incremental output of background commands.
	OnStdout func(string)
	OnStderr func(string)
}

// ProcessOutput is the accumulated output of a process started in a sandbox
type ProcessOutput struct {
	PID      string
	Running  bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// Commands runs shell commands inside a sandbox
type Commands interface {
	// Run never returns an error: failures are reported through ExitCode and Stderr.
	Run(ctx context.Context, command string, opts *CommandOptions) ExecutionResult
	// Output returns what a process has written so far.
	Output(ctx context.Context, pid string) (ProcessOutput, error)
}

// Instance is a handle to one live sandbox
type Instance interface {
	ID() string
	Commands() Commands
	// GetHost ensures port is publicly exposed and returns its URL.
	GetHost(ctx context.Context, port int) (string, error)
	// Kill permanently destroys the sandbox. It is a one-shot transition.
	Kill(ctx context.Context) error
	// Pause asks the backend to suspend the sandbox.
	Pause(ctx context.Context) error
}

// Provider creates sandboxes and reattaches to existing ones
type Provider interface {
	Create(ctx context.Context, envs map[string]string, agentType AgentType, workingDirectory string) (Instance, error)
	Resume(ctx context.Context, sandboxID string) (Instance, error)
}

// ParseAgentType validates an agent type name. The empty string is accepted and means no agent.
func ParseAgentType(s string) (AgentType, error) {
	switch t := AgentType(strings.ToLower(strings.TrimSpace(s))); t {
	case "", AgentCodex, AgentClaude, AgentOpenCode, AgentGemini, AgentGrok:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported agent type: %s", s)
	}
}

// ImageForAgent returns the execution image for the given agent type
func ImageForAgent(agentType AgentType) string {
	switch agentType {
	case AgentClaude:
		return ClaudeImage
	case AgentOpenCode:
		return OpenCodeImage
	case AgentGemini:
		return GeminiImage
	case AgentGrok:
		return GrokImage
	default:
		return DefaultImage
	}
}

func resolveImage(configured string, agentType AgentType) string {
	if configured != "" {
		return configured
	}
	return ImageForAgent(agentType)
}

// sandboxName builds a unique, human readable sandbox name
func sandboxName(agentType AgentType) string {
	token := string(agentType)
	if token == "" {
		token = "default"
	}
	return fmt.Sprintf("vibekit-%s-%d-%s", token, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// envVar is a single flattened environment variable
type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// flattenEnv converts an env map into a list sorted by name.
// Variables whose names are not valid POSIX names are dropped.
func flattenEnv(logger *zap.Logger, envs map[string]string) []envVar {
	vars := make([]envVar, 0, len(envs))
	for name, value := range envs {
		if !IsValidEnvVarName(name) {
			logger.Warn("dropping environment variable with invalid name", zap.String("name", name))
			continue
		}
		vars = append(vars, envVar{Name: name, Value: value})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}

func envPairs(vars []envVar) []string {
	pairs := make([]string, 0, len(vars))
	for _, v := range vars {
		pairs = append(pairs, v.Name+"="+v.Value)
	}
	return pairs
}

// IsValidEnvVarName checks if an environment variable name is valid for POSIX.
// Valid names start with a letter or underscore and contain only alphanumerics and underscores.
func IsValidEnvVarName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		isValid := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || (i > 0 && c >= '0' && c <= '9')
		if !isValid {
			return false
		}
	}
	return true
}

// shellQuote wraps s in single quotes for sh -c
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func mkdirCommand(dir string) string {
	return "mkdir -p " + shellQuote(dir)
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}
