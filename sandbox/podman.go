package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// PodmanProvider runs sandboxes as podman containers driven through the podman CLI
type PodmanProvider struct {
	logger    *zap.Logger
	config    Config
	cmdRunner CommandRunner
}

// PodmanOption defines a functional option for PodmanProvider
type PodmanOption func(*PodmanProvider)

// WithPodmanCommandRunner sets the CommandRunner for PodmanProvider
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanOption {
	return func(p *PodmanProvider) {
		p.cmdRunner = cmdRunner
	}
}

// NewPodmanProvider creates a new PodmanProvider with default implementations and optional interfaces
func NewPodmanProvider(logger *zap.Logger, config *Config, opts ...PodmanOption) *PodmanProvider {
	provider := &PodmanProvider{
		logger:    logger.Named(BackendPodman),
		config:    config.withDefaults(),
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	// Apply options
	for _, opt := range opts {
		opt(provider)
	}

	return provider
}

// podman runs a podman subcommand and turns a nonzero exit into an error
func (p *PodmanProvider) podman(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{p.config.PodmanBinary}, args...)
	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, argv)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", &cliError{Args: args, ExitCode: exitCode, Stderr: strings.TrimSpace(stderr)}
	}
	return stdout, nil
}

// cliError is a podman invocation that exited nonzero
type cliError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *cliError) Error() string {
	return fmt.Sprintf("podman %s exited with code %d: %s", strings.Join(e.Args, " "), e.ExitCode, e.Stderr)
}

// isNoSuchContainer reports whether err is podman rejecting an unknown container name
func isNoSuchContainer(err error) bool {
	var cliErr *cliError
	if !errors.As(err, &cliErr) {
		return false
	}
	stderr := strings.ToLower(cliErr.Stderr)
	return strings.Contains(stderr, "no such container") || strings.Contains(stderr, "no such object")
}

// runArgs builds the podman run arguments for a new sandbox container
func (p *PodmanProvider) runArgs(name, image string, agentType AgentType, vars []envVar) []string {
	agentLabel := string(agentType)
	if agentLabel == "" {
		agentLabel = "default"
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--init",
		"--memory", fmt.Sprintf("%dm", p.config.MemoryMB),
		"--label", sandboxLabelKey + "=true",
		"--label", sandboxLabelAgent + "=" + agentLabel,
	}
	for _, port := range p.config.Ports {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1::%d", port.Target))
	}
	for _, pair := range envPairs(vars) {
		args = append(args, "-e", pair)
	}
	return append(args, image, "sleep", "infinity")
}

// Create starts a new sandbox container
func (p *PodmanProvider) Create(ctx context.Context, envs map[string]string, agentType AgentType, workingDirectory string) (Instance, error) {
	name := sandboxName(agentType)
	image := resolveImage(p.config.Image, agentType)

	args := p.runArgs(name, image, agentType, flattenEnv(p.logger, envs))
	if _, err := p.podman(ctx, args...); err != nil {
		return nil, &ProviderError{Op: "create", Backend: BackendPodman, Err: err}
	}

	p.logger.Info("podman sandbox created",
		zap.String("sandbox_id", name),
		zap.String("image", image),
		zap.Int("memory_mb", p.config.MemoryMB))

	inst := p.newInstance(name)
	if workingDirectory != "" {
		inst.Commands().Run(ctx, mkdirCommand(workingDirectory), &CommandOptions{Background: true})
	}
	return inst, nil
}

// Resume reattaches to an existing container by name
func (p *PodmanProvider) Resume(ctx context.Context, sandboxID string) (Instance, error) {
	out, err := p.podman(ctx, "inspect", "--type", "container", "--format", "{{.State.Status}}", sandboxID)
	if err != nil {
		if isNoSuchContainer(err) {
			return nil, &NotFoundError{Kind: "sandbox", ID: sandboxID}
		}
		return nil, &ProviderError{Op: "resume", Backend: BackendPodman, Err: err}
	}

	inst := p.newInstance(sandboxID)
	if strings.TrimSpace(out) == "paused" {
		inst.paused = true
	}
	return inst, nil
}

func (p *PodmanProvider) newInstance(name string) *podmanInstance {
	inst := &podmanInstance{
		provider: p,
		procs:    newProcessTable(),
	}
	inst.instanceBase = newInstanceBase(p.logger, BackendPodman, name, inst, p.config.CommandTimeout)
	return inst
}

// podmanInstance is a handle to one sandbox container
type podmanInstance struct {
	*instanceBase
	provider *PodmanProvider
	procs    *processTable

	pauseMu sync.Mutex
	paused  bool
}

// execArgv builds the host command that runs command inside the container
func (p *podmanInstance) execArgv(command string) []string {
	return []string{p.provider.config.PodmanBinary, "exec", p.id, "sh", "-c", command}
}

func (p *podmanInstance) wake(ctx context.Context) error {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()

	if !p.paused {
		return nil
	}
	if _, err := p.provider.podman(ctx, "unpause", p.id); err != nil {
		return fmt.Errorf("failed to unpause container: %w", err)
	}
	p.paused = false
	return nil
}

func (p *podmanInstance) exec(ctx context.Context, command string, wait bool) (process, error) {
	if err := p.wake(ctx); err != nil {
		return process{}, err
	}
	proc, err := p.procs.startHost(p.execArgv(command), "", os.Environ())
	if err != nil {
		return process{}, err
	}
	return p.procs.submit(ctx, proc, wait)
}

func (p *podmanInstance) logs(_ context.Context, pid string, stream Stream) (string, error) {
	return p.procs.logs(pid, stream)
}

func (p *podmanInstance) stream(ctx context.Context, pid string, onStdout, onStderr func(string)) (<-chan struct{}, error) {
	return p.procs.stream(ctx, pid, onStdout, onStderr)
}

func (p *podmanInstance) status(_ context.Context, pid string) (ProcessOutput, error) {
	return p.procs.status(pid)
}

// GetHost resolves the published host port of port
func (p *podmanInstance) GetHost(ctx context.Context, port int) (string, error) {
	if err := p.checkAlive("get_host"); err != nil {
		return "", &ExposureError{Port: port, Err: err}
	}

	out, err := p.provider.podman(ctx, "port", p.id, fmt.Sprintf("%d/tcp", port))
	if err != nil {
		return "", &ExposureError{Port: port, Err: err}
	}

	lines := strings.Fields(out)
	if len(lines) == 0 {
		return "", &ExposureError{Port: port, Err: fmt.Errorf("port is not published; declare it in the sandbox ports")}
	}
	host, hostPort, err := hostPortOf(lines[0])
	if err != nil {
		return "", &ExposureError{Port: port, Err: err}
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(hostPort)), nil
}

// Kill force-removes the container
func (p *podmanInstance) Kill(ctx context.Context) error {
	if err := p.checkAlive("kill"); err != nil {
		return err
	}
	if _, err := p.provider.podman(ctx, "rm", "-f", p.id); err != nil {
		return &ProviderError{Op: "kill", Backend: BackendPodman, Err: err}
	}
	p.procs.stopAll()
	p.terminate()
	p.logger.Info("podman sandbox removed")
	return nil
}

// Pause freezes the container. The next command unpauses it.
func (p *podmanInstance) Pause(ctx context.Context) error {
	if err := p.checkAlive("pause"); err != nil {
		return err
	}

	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()

	if p.paused {
		return nil
	}
	if _, err := p.provider.podman(ctx, "pause", p.id); err != nil {
		return &ProviderError{Op: "pause", Backend: BackendPodman, Err: err}
	}
	p.paused = true
	p.logger.Info("podman sandbox paused")
	return nil
}

// hostPortOf parses a "host:port" binding
func hostPortOf(binding string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(binding)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}
