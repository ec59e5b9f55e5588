package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o600
)

const localEnvFile = ".sandbox-env.json"

// LocalProvider runs sandboxes as directories on the host (for development only).
// Commands execute with the caller's privileges and no isolation.
type LocalProvider struct {
	logger *zap.Logger
	config Config
}

// NewLocalProvider creates a LocalProvider rooted at config.LocalRoot
func NewLocalProvider(logger *zap.Logger, config *Config) (*LocalProvider, error) {
	cfg := config.withDefaults()
	if err := os.MkdirAll(cfg.LocalRoot, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create local sandbox root: %w", err)
	}
	return &LocalProvider{
		logger: logger.Named(BackendLocal),
		config: cfg,
	}, nil
}

// Create makes a new sandbox directory and returns its instance
func (p *LocalProvider) Create(ctx context.Context, envs map[string]string, agentType AgentType, workingDirectory string) (Instance, error) {
	name := sandboxName(agentType)
	dir := filepath.Join(p.config.LocalRoot, name)

	if err := os.MkdirAll(dir, DirPermission); err != nil {
		return nil, &ProviderError{Op: "create", Backend: BackendLocal, Err: err}
	}

	vars := flattenEnv(p.logger, envs)
	data, err := json.Marshal(vars)
	if err != nil {
		return nil, &ProviderError{Op: "create", Backend: BackendLocal, Err: err}
	}
	if err := os.WriteFile(filepath.Join(dir, localEnvFile), data, FilePermission); err != nil {
		return nil, &ProviderError{Op: "create", Backend: BackendLocal, Err: err}
	}

	p.logger.Info("local sandbox created",
		zap.String("sandbox_id", name),
		zap.String("dir", dir),
		zap.String("image", resolveImage(p.config.Image, agentType)),
		zap.Int("env_count", len(vars)))

	inst := p.newInstance(name, dir, vars)
	if workingDirectory != "" {
		inst.Commands().Run(ctx, mkdirCommand(workingDirectory), &CommandOptions{Background: true})
	}
	return inst, nil
}

// Resume reattaches to an existing sandbox directory
func (p *LocalProvider) Resume(_ context.Context, sandboxID string) (Instance, error) {
	if sandboxID == "" || filepath.Base(sandboxID) != sandboxID {
		return nil, &NotFoundError{Kind: "sandbox", ID: sandboxID}
	}
	dir := filepath.Join(p.config.LocalRoot, sandboxID)

	data, err := os.ReadFile(filepath.Join(dir, localEnvFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Kind: "sandbox", ID: sandboxID}
		}
		return nil, &ProviderError{Op: "resume", Backend: BackendLocal, Err: err}
	}

	var vars []envVar
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, &ProviderError{Op: "resume", Backend: BackendLocal, Err: fmt.Errorf("corrupt env file: %w", err)}
	}

	return p.newInstance(sandboxID, dir, vars), nil
}

func (p *LocalProvider) newInstance(id, dir string, vars []envVar) *localInstance {
	inst := &localInstance{
		dir:   dir,
		env:   append(os.Environ(), envPairs(vars)...),
		procs: newProcessTable(),
	}
	inst.instanceBase = newInstanceBase(p.logger, BackendLocal, id, inst, p.config.CommandTimeout)
	return inst
}

// localInstance is a sandbox directory on the host
type localInstance struct {
	*instanceBase
	dir   string
	env   []string
	procs *processTable
}

func (l *localInstance) exec(ctx context.Context, command string, wait bool) (process, error) {
	p, err := l.procs.startHost([]string{"sh", "-c", command}, l.dir, l.env)
	if err != nil {
		return process{}, err
	}
	return l.procs.submit(ctx, p, wait)
}

func (l *localInstance) logs(_ context.Context, pid string, stream Stream) (string, error) {
	return l.procs.logs(pid, stream)
}

func (l *localInstance) stream(ctx context.Context, pid string, onStdout, onStderr func(string)) (<-chan struct{}, error) {
	return l.procs.stream(ctx, pid, onStdout, onStderr)
}

func (l *localInstance) status(_ context.Context, pid string) (ProcessOutput, error) {
	return l.procs.status(pid)
}

// GetHost returns the loopback URL of port
func (l *localInstance) GetHost(_ context.Context, port int) (string, error) {
	if err := l.checkAlive("get_host"); err != nil {
		return "", &ExposureError{Port: port, Err: err}
	}
	if port <= 0 || port > 65535 {
		return "", &ExposureError{Port: port, Err: fmt.Errorf("port out of range")}
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

// Kill stops running processes and removes the sandbox directory
func (l *localInstance) Kill(_ context.Context) error {
	if err := l.checkAlive("kill"); err != nil {
		return err
	}

	stopped := l.procs.stopAll()
	if err := removeTree(l.dir); err != nil {
		return &ProviderError{Op: "kill", Backend: BackendLocal, Err: err}
	}

	l.terminate()
	l.logger.Info("local sandbox removed", zap.String("dir", l.dir), zap.Int("stopped_processes", stopped))
	return nil
}

// removeTree deletes dir. A directory that is already gone counts as removed.
func removeTree(dir string) error {
	err := os.RemoveAll(dir)
	if err == nil {
		return nil
	}

	// Read-only directories (a Go module cache, for one) keep their entries from being unlinked
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(path, DirPermission)
		}
		return nil
	})
	if retryErr := os.RemoveAll(dir); retryErr != nil {
		return multierr.Combine(err, walkErr, retryErr)
	}
	return nil
}

// Pause is a no-op: local processes are never suspended
func (l *localInstance) Pause(_ context.Context) error {
	if err := l.checkAlive("pause"); err != nil {
		return err
	}
	return l.pauseNoop("local sandboxes have no standby state")
}
