package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	blaxelHTTPTimeout    = 60 * time.Second
	blaxelWorkspaceHdr   = "X-Blaxel-Workspace"
	blaxelStatusRunning  = "running"
	blaxelStreamMaxToken = 1 << 20
)

// BlaxelProvider creates sandboxes through the Blaxel control plane REST API
type BlaxelProvider struct {
	logger     *zap.Logger
	config     Config
	httpClient *http.Client
	// streamClient has no overall timeout so log streams can stay open
	streamClient *http.Client
}

// BlaxelOption defines a functional option for BlaxelProvider
type BlaxelOption func(*BlaxelProvider)

// WithBlaxelHTTPClient sets the HTTP client used for every request
func WithBlaxelHTTPClient(client *http.Client) BlaxelOption {
	return func(p *BlaxelProvider) {
		p.httpClient = client
		p.streamClient = client
	}
}

// NewBlaxelProvider creates a BlaxelProvider. APIKey and Workspace are required.
func NewBlaxelProvider(logger *zap.Logger, config *Config, opts ...BlaxelOption) (*BlaxelProvider, error) {
	cfg := config.withDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("blaxel api key is required")
	}
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("blaxel workspace is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	p := &BlaxelProvider{
		logger:       logger.Named(BackendBlaxel),
		config:       cfg,
		httpClient:   &http.Client{Timeout: blaxelHTTPTimeout},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type blaxelPort struct {
	Name     string `json:"name,omitempty"`
	Target   int    `json:"target"`
	Protocol string `json:"protocol,omitempty"`
}

type blaxelRuntime struct {
	Image  string       `json:"image"`
	Memory int          `json:"memory"`
	TTL    string       `json:"ttl,omitempty"`
	Envs   []envVar     `json:"envs,omitempty"`
	Ports  []blaxelPort `json:"ports,omitempty"`
}

type blaxelMetadata struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type blaxelSandboxSpec struct {
	Region  string        `json:"region,omitempty"`
	Runtime blaxelRuntime `json:"runtime"`
}

type blaxelSandbox struct {
	Metadata blaxelMetadata    `json:"metadata"`
	Spec     blaxelSandboxSpec `json:"spec"`
	Status   string            `json:"status,omitempty"`
}

type blaxelPreviewSpec struct {
	Port   int    `json:"port"`
	Public bool   `json:"public"`
	URL    string `json:"url,omitempty"`
}

type blaxelPreview struct {
	Metadata blaxelMetadata    `json:"metadata"`
	Spec     blaxelPreviewSpec `json:"spec"`
}

type blaxelExecRequest struct {
	Command           string `json:"command"`
	WaitForCompletion bool   `json:"waitForCompletion"`
}

type blaxelProcess struct {
	PID      string `json:"pid"`
	Status   string `json:"status"`
	ExitCode int    `json:"exitCode"`
}

type blaxelLogs struct {
	Logs string `json:"logs"`
}

// apiError is a non-2xx response from the Blaxel API
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("blaxel API error (status %d): %s", e.Status, strings.TrimSpace(e.Body))
}

func statusOf(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Create provisions a new Blaxel sandbox
func (p *BlaxelProvider) Create(ctx context.Context, envs map[string]string, agentType AgentType, workingDirectory string) (Instance, error) {
	name := sandboxName(agentType)
	image := resolveImage(p.config.Image, agentType)

	ports := make([]blaxelPort, 0, len(p.config.Ports))
	for _, port := range p.config.Ports {
		ports = append(ports, blaxelPort{Name: port.Name, Target: port.Target, Protocol: port.Protocol})
	}

	req := blaxelSandbox{
		Metadata: blaxelMetadata{Name: name},
		Spec: blaxelSandboxSpec{
			Region: p.config.Region,
			Runtime: blaxelRuntime{
				Image:  image,
				Memory: p.config.MemoryMB,
				TTL:    p.config.TTL,
				Envs:   flattenEnv(p.logger, envs),
				Ports:  ports,
			},
		},
	}

	var created blaxelSandbox
	if err := p.call(ctx, http.MethodPost, p.config.BaseURL+"/sandboxes", req, &created); err != nil {
		return nil, &ProviderError{Op: "create", Backend: BackendBlaxel, Err: err}
	}

	inst, err := p.newInstance(name, created)
	if err != nil {
		return nil, &ProviderError{Op: "create", Backend: BackendBlaxel, Err: err}
	}

	p.logger.Info("blaxel sandbox created",
		zap.String("sandbox_id", name),
		zap.String("image", image),
		zap.Int("memory", p.config.MemoryMB),
		zap.String("region", p.config.Region))

	if workingDirectory != "" {
		inst.Commands().Run(ctx, mkdirCommand(workingDirectory), &CommandOptions{Background: true})
	}
	return inst, nil
}

// Resume reconnects to an existing sandbox by name
func (p *BlaxelProvider) Resume(ctx context.Context, sandboxID string) (Instance, error) {
	var sb blaxelSandbox
	err := p.call(ctx, http.MethodGet, p.config.BaseURL+"/sandboxes/"+url.PathEscape(sandboxID), nil, &sb)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, &NotFoundError{Kind: "sandbox", ID: sandboxID}
		}
		return nil, &ProviderError{Op: "resume", Backend: BackendBlaxel, Err: err}
	}

	inst, err := p.newInstance(sandboxID, sb)
	if err != nil {
		return nil, &ProviderError{Op: "resume", Backend: BackendBlaxel, Err: err}
	}
	return inst, nil
}

func (p *BlaxelProvider) newInstance(name string, sb blaxelSandbox) (*blaxelInstance, error) {
	if sb.Metadata.URL == "" {
		return nil, fmt.Errorf("sandbox %s has no url", name)
	}
	inst := &blaxelInstance{
		provider: p,
		url:      strings.TrimRight(sb.Metadata.URL, "/"),
	}
	inst.instanceBase = newInstanceBase(p.logger, BackendBlaxel, name, inst, p.config.CommandTimeout)
	return inst, nil
}

// call makes an HTTP request to the Blaxel API and decodes the JSON response into result
func (p *BlaxelProvider) call(ctx context.Context, method, endpoint string, body, result any) error {
	resp, err := p.do(ctx, p.httpClient, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// do sends a request and returns the response if its status is 2xx
func (p *BlaxelProvider) do(ctx context.Context, client *http.Client, method, endpoint string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	req.Header.Set(blaxelWorkspaceHdr, p.config.Workspace)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

// blaxelInstance is a handle to one Blaxel sandbox
type blaxelInstance struct {
	*instanceBase
	provider *BlaxelProvider
	url      string
}

func (b *blaxelInstance) sandboxPath() string {
	return b.provider.config.BaseURL + "/sandboxes/" + url.PathEscape(b.id)
}

func (b *blaxelInstance) processPath(pid string) string {
	return b.url + "/process/" + url.PathEscape(pid)
}

func (b *blaxelInstance) exec(ctx context.Context, command string, wait bool) (process, error) {
	var proc blaxelProcess
	req := blaxelExecRequest{Command: command, WaitForCompletion: wait}
	if err := b.provider.call(ctx, http.MethodPost, b.url+"/process", req, &proc); err != nil {
		return process{}, err
	}
	if proc.PID == "" {
		return process{}, fmt.Errorf("backend returned no process id")
	}
	return process{PID: proc.PID, ExitCode: proc.ExitCode}, nil
}

func (b *blaxelInstance) logs(ctx context.Context, pid string, stream Stream) (string, error) {
	var logs blaxelLogs
	if err := b.provider.call(ctx, http.MethodGet, b.processPath(pid)+"/logs/"+string(stream), nil, &logs); err != nil {
		return "", err
	}
	return logs.Logs, nil
}

// stream opens the log stream of pid. Each line of the body is prefixed with the
// stream name ("stdout:" or "stderr:") and is delivered with its newline restored.
func (b *blaxelInstance) stream(ctx context.Context, pid string, onStdout, onStderr func(string)) (<-chan struct{}, error) {
	resp, err := b.provider.do(ctx, b.provider.streamClient, http.MethodGet, b.processPath(pid)+"/logs/stream", nil)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), blaxelStreamMaxToken)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "stdout:"):
				onStdout(strings.TrimPrefix(line, "stdout:") + "\n")
			case strings.HasPrefix(line, "stderr:"):
				onStderr(strings.TrimPrefix(line, "stderr:") + "\n")
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			b.logger.Warn("log stream ended with error", zap.String("pid", pid), zap.Error(err))
		}
	}()
	return done, nil
}

func (b *blaxelInstance) status(ctx context.Context, pid string) (ProcessOutput, error) {
	var proc blaxelProcess
	if err := b.provider.call(ctx, http.MethodGet, b.processPath(pid), nil, &proc); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return ProcessOutput{}, &NotFoundError{Kind: "process", ID: pid}
		}
		return ProcessOutput{}, &ProviderError{Op: "output", Backend: BackendBlaxel, Err: err}
	}

	out := ProcessOutput{PID: pid, Running: proc.Status == blaxelStatusRunning}
	if !out.Running {
		out.ExitCode = proc.ExitCode
	}

	var err error
	if out.Stdout, err = b.logs(ctx, pid, StreamStdout); err != nil {
		return ProcessOutput{}, &ProviderError{Op: "output", Backend: BackendBlaxel, Err: err}
	}
	if out.Stderr, err = b.logs(ctx, pid, StreamStderr); err != nil {
		return ProcessOutput{}, &ProviderError{Op: "output", Backend: BackendBlaxel, Err: err}
	}
	return out, nil
}

// GetHost returns the public preview URL for port, creating the preview if needed
func (b *blaxelInstance) GetHost(ctx context.Context, port int) (string, error) {
	if err := b.checkAlive("get_host"); err != nil {
		return "", &ExposureError{Port: port, Err: err}
	}

	b.exposeMu.Lock()
	defer b.exposeMu.Unlock()

	name := fmt.Sprintf("vibekit-%s-%d", b.id, port)
	previewURL := b.sandboxPath() + "/previews/" + url.PathEscape(name)

	var preview blaxelPreview
	err := b.provider.call(ctx, http.MethodGet, previewURL, nil, &preview)
	if statusOf(err) == http.StatusNotFound {
		req := blaxelPreview{
			Metadata: blaxelMetadata{Name: name},
			Spec:     blaxelPreviewSpec{Port: port, Public: true},
		}
		err = b.provider.call(ctx, http.MethodPost, b.sandboxPath()+"/previews", req, &preview)
		if statusOf(err) == http.StatusConflict {
			err = b.provider.call(ctx, http.MethodGet, previewURL, nil, &preview)
		}
	}
	if err != nil {
		return "", &ExposureError{Port: port, Err: err}
	}
	if preview.Spec.URL == "" {
		return "", &ExposureError{Port: port, Err: fmt.Errorf("preview %s has no url", name)}
	}
	return preview.Spec.URL, nil
}

// Kill deletes the sandbox
func (b *blaxelInstance) Kill(ctx context.Context) error {
	if err := b.checkAlive("kill"); err != nil {
		return err
	}
	if err := b.provider.call(ctx, http.MethodDelete, b.sandboxPath(), nil, nil); err != nil {
		return &ProviderError{Op: "kill", Backend: BackendBlaxel, Err: err}
	}
	b.terminate()
	b.logger.Info("blaxel sandbox deleted")
	return nil
}

// Pause is a no-op: Blaxel sandboxes enter standby on their own when inactive
func (b *blaxelInstance) Pause(_ context.Context) error {
	if err := b.checkAlive("pause"); err != nil {
		return err
	}
	return b.pauseNoop("blaxel sandboxes enter standby automatically when inactive")
}
