package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	// sandboxLabelKey identifies containers created by this package
	sandboxLabelKey = "io.sandboxkit.sandbox"
	// sandboxLabelAgent records the agent type a container was created for
	sandboxLabelAgent = "io.sandboxkit.agent"

	dockerInspectTimeout = 10 * time.Second
	dockerExecPoll       = 50 * time.Millisecond
)

// dockerAPI is the subset of the Docker Engine client used by DockerProvider
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	Close() error
}

// DockerProvider runs sandboxes as long-lived containers on a Docker engine
type DockerProvider struct {
	logger *zap.Logger
	config Config
	api    dockerAPI
}

// DockerOption defines a functional option for DockerProvider
type DockerOption func(*DockerProvider)

// WithDockerClient sets the engine client
func WithDockerClient(api dockerAPI) DockerOption {
	return func(d *DockerProvider) {
		d.api = api
	}
}

// NewDockerProvider creates a DockerProvider. Without a client option it connects
// using config.DockerHost or the standard DOCKER_* environment.
func NewDockerProvider(logger *zap.Logger, config *Config, opts ...DockerOption) (*DockerProvider, error) {
	d := &DockerProvider{
		logger: logger.Named(BackendDocker),
		config: config.withDefaults(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.api == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if d.config.DockerHost != "" {
			clientOpts = append(clientOpts, client.WithHost(d.config.DockerHost))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		d.api = cli
	}
	return d, nil
}

// Close releases the engine client
func (d *DockerProvider) Close() error {
	return d.api.Close()
}

// Create pulls the image if needed and starts a new sandbox container
func (d *DockerProvider) Create(ctx context.Context, envs map[string]string, agentType AgentType, workingDirectory string) (Instance, error) {
	name := sandboxName(agentType)
	image := resolveImage(d.config.Image, agentType)

	if err := d.ensureImage(ctx, image); err != nil {
		return nil, &ProviderError{Op: "create", Backend: BackendDocker, Err: err}
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range d.config.Ports {
		p := nat.Port(fmt.Sprintf("%d/tcp", port.Target))
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}}
	}

	agentLabel := string(agentType)
	if agentLabel == "" {
		agentLabel = "default"
	}

	cfg := &container.Config{
		Image:        image,
		Env:          envPairs(flattenEnv(d.logger, envs)),
		Cmd:          []string{"sleep", "infinity"},
		ExposedPorts: exposed,
		Labels: map[string]string{
			sandboxLabelKey:   "true",
			sandboxLabelAgent: agentLabel,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Init:         boolPtr(true),
		Resources: container.Resources{
			Memory: int64(d.config.MemoryMB) * 1024 * 1024,
		},
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, &ProviderError{Op: "create", Backend: BackendDocker, Err: fmt.Errorf("failed to create container: %w", err)}
	}
	if err := d.api.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, &ProviderError{Op: "create", Backend: BackendDocker, Err: fmt.Errorf("failed to start container: %w", err)}
	}

	d.logger.Info("docker sandbox created",
		zap.String("sandbox_id", name),
		zap.String("container", resp.ID),
		zap.String("image", image),
		zap.Int("memory_mb", d.config.MemoryMB))

	inst := d.newInstance(name)
	if workingDirectory != "" {
		inst.Commands().Run(ctx, mkdirCommand(workingDirectory), &CommandOptions{Background: true})
	}
	return inst, nil
}

// Resume reattaches to an existing container by name
func (d *DockerProvider) Resume(ctx context.Context, sandboxID string) (Instance, error) {
	c, err := d.api.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, &NotFoundError{Kind: "sandbox", ID: sandboxID}
		}
		return nil, &ProviderError{Op: "resume", Backend: BackendDocker, Err: err}
	}

	inst := d.newInstance(sandboxID)
	if c.ContainerJSONBase != nil && c.State != nil && c.State.Paused {
		inst.paused = true
	}
	return inst, nil
}

func (d *DockerProvider) ensureImage(ctx context.Context, image string) error {
	if _, _, err := d.api.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", image, err)
	}

	d.logger.Info("pulling sandbox image", zap.String("image", image))
	rc, err := d.api.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

func (d *DockerProvider) newInstance(name string) *dockerInstance {
	inst := &dockerInstance{
		api:   d.api,
		procs: newProcessTable(),
	}
	inst.instanceBase = newInstanceBase(d.logger, BackendDocker, name, inst, d.config.CommandTimeout)
	return inst
}

// dockerInstance is a handle to one sandbox container. The container name is its id.
type dockerInstance struct {
	*instanceBase
	api    dockerAPI
	procs  *processTable

	// pauseMu serializes pause and unpause so one caller wakes the container
	pauseMu sync.Mutex
	paused  bool
}

// wake unpauses the container if this instance paused it
func (d *dockerInstance) wake(ctx context.Context) error {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()

	if !d.paused {
		return nil
	}
	if err := d.api.ContainerUnpause(ctx, d.id); err != nil {
		return fmt.Errorf("failed to unpause container: %w", err)
	}
	d.paused = false
	d.logger.Debug("container resumed from pause")
	return nil
}

func (d *dockerInstance) exec(ctx context.Context, command string, wait bool) (process, error) {
	if err := d.wake(ctx); err != nil {
		return process{}, err
	}

	created, err := d.api.ContainerExecCreate(ctx, d.id, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", command},
	})
	if err != nil {
		return process{}, fmt.Errorf("failed to create exec: %w", err)
	}

	// The attachment must survive the caller's context for background commands.
	attach, err := d.api.ContainerExecAttach(context.WithoutCancel(ctx), created.ID, types.ExecStartCheck{})
	if err != nil {
		return process{}, fmt.Errorf("failed to attach exec: %w", err)
	}

	p := newTrackedProcess(created.ID, command)
	p.stop = attach.Close
	d.procs.add(p)

	go func() {
		if _, err := stdcopy.StdCopy(p.stdout, p.stderr, attach.Reader); err != nil {
			d.logger.Debug("exec output copy ended", zap.String("pid", created.ID), zap.Error(err))
		}
		attach.Close()
		p.finish(d.exitCode(created.ID))
	}()

	return d.procs.submit(ctx, p, wait)
}

func (d *dockerInstance) exitCode(execID string) int {
	ctx, cancel := context.WithTimeout(context.Background(), dockerInspectTimeout)
	defer cancel()

	// The exec can still report Running for a moment after its streams close.
	for {
		inspect, err := d.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			d.logger.Warn("failed to inspect exec", zap.String("pid", execID), zap.Error(err))
			return ExitCodeInternal
		}
		if !inspect.Running {
			return inspect.ExitCode
		}
		select {
		case <-ctx.Done():
			return ExitCodeInternal
		case <-time.After(dockerExecPoll):
		}
	}
}

func (d *dockerInstance) logs(_ context.Context, pid string, stream Stream) (string, error) {
	return d.procs.logs(pid, stream)
}

func (d *dockerInstance) stream(ctx context.Context, pid string, onStdout, onStderr func(string)) (<-chan struct{}, error) {
	return d.procs.stream(ctx, pid, onStdout, onStderr)
}

func (d *dockerInstance) status(_ context.Context, pid string) (ProcessOutput, error) {
	return d.procs.status(pid)
}

// GetHost returns the loopback URL bound to port. Only ports declared in the
// provider config are published, since bindings cannot be added to a running container.
func (d *dockerInstance) GetHost(ctx context.Context, port int) (string, error) {
	if err := d.checkAlive("get_host"); err != nil {
		return "", &ExposureError{Port: port, Err: err}
	}

	c, err := d.api.ContainerInspect(ctx, d.id)
	if err != nil {
		return "", &ExposureError{Port: port, Err: err}
	}
	if c.NetworkSettings == nil {
		return "", &ExposureError{Port: port, Err: fmt.Errorf("container has no network settings")}
	}

	bindings := c.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
	if len(bindings) == 0 || bindings[0].HostPort == "" {
		return "", &ExposureError{Port: port, Err: fmt.Errorf("port is not published; declare it in the sandbox ports")}
	}

	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, bindings[0].HostPort), nil
}

// Kill force-removes the container
func (d *dockerInstance) Kill(ctx context.Context) error {
	if err := d.checkAlive("kill"); err != nil {
		return err
	}
	if err := d.api.ContainerRemove(ctx, d.id, types.ContainerRemoveOptions{Force: true}); err != nil {
		return &ProviderError{Op: "kill", Backend: BackendDocker, Err: err}
	}
	d.procs.stopAll()
	d.terminate()
	d.logger.Info("docker sandbox removed")
	return nil
}

// Pause freezes the container. The next command unpauses it.
func (d *dockerInstance) Pause(ctx context.Context) error {
	if err := d.checkAlive("pause"); err != nil {
		return err
	}

	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()

	if d.paused {
		return nil
	}
	if err := d.api.ContainerPause(ctx, d.id); err != nil {
		return &ProviderError{Op: "pause", Backend: BackendDocker, Err: err}
	}
	d.paused = true
	d.logger.Info("docker sandbox paused")
	return nil
}

func boolPtr(b bool) *bool { return &b }
