package metrics

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isdmx/sandboxkit/sandbox"
)

const namespace = "sandboxkit"

// Command modes and outcomes used as label values
const (
	ModeSync       = "sync"
	ModeBackground = "background"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the sandbox collectors and the registry they are exposed from
type Metrics struct {
	registry        *prometheus.Registry
	created         *prometheus.CounterVec
	lifecycleErrors *prometheus.CounterVec
	commands        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandboxes_created_total",
			Help:      "Sandboxes created, by backend and agent type.",
		}, []string{"backend", "agent"}),
		lifecycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_errors_total",
			Help:      "Failed lifecycle operations, by operation.",
		}, []string{"op"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands run, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time until Run returned, by mode.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"mode"}),
	}

	m.registry.MustRegister(
		m.created,
		m.lifecycleErrors,
		m.commands,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument wraps provider so every instance it returns is measured
func (m *Metrics) Instrument(provider sandbox.Provider, backend string) sandbox.Provider {
	return &instrumentedProvider{Provider: provider, metrics: m, backend: backend}
}

func (m *Metrics) lifecycleError(op string, err error) {
	if err != nil {
		m.lifecycleErrors.WithLabelValues(op).Inc()
	}
}

type instrumentedProvider struct {
	sandbox.Provider
	metrics *Metrics
	backend string
}

func (p *instrumentedProvider) Create(ctx context.Context, envs map[string]string, agentType sandbox.AgentType, workingDirectory string) (sandbox.Instance, error) {
	inst, err := p.Provider.Create(ctx, envs, agentType, workingDirectory)
	if err != nil {
		p.metrics.lifecycleError("create", err)
		return nil, err
	}

	agent := string(agentType)
	if agent == "" {
		agent = "default"
	}
	p.metrics.created.WithLabelValues(p.backend, agent).Inc()
	return p.metrics.instance(inst), nil
}

func (p *instrumentedProvider) Resume(ctx context.Context, sandboxID string) (sandbox.Instance, error) {
	inst, err := p.Provider.Resume(ctx, sandboxID)
	if err != nil {
		p.metrics.lifecycleError("resume", err)
		return nil, err
	}
	return p.metrics.instance(inst), nil
}

// Close closes the wrapped provider if it holds resources
func (p *instrumentedProvider) Close() error {
	if closer, ok := p.Provider.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (m *Metrics) instance(inst sandbox.Instance) sandbox.Instance {
	return &instrumentedInstance{
		Instance: inst,
		metrics:  m,
		commands: &instrumentedCommands{Commands: inst.Commands(), metrics: m},
	}
}

type instrumentedInstance struct {
	sandbox.Instance
	metrics  *Metrics
	commands *instrumentedCommands
}

func (i *instrumentedInstance) Commands() sandbox.Commands { return i.commands }

func (i *instrumentedInstance) GetHost(ctx context.Context, port int) (string, error) {
	url, err := i.Instance.GetHost(ctx, port)
	i.metrics.lifecycleError("get_host", err)
	return url, err
}

func (i *instrumentedInstance) Kill(ctx context.Context) error {
	err := i.Instance.Kill(ctx)
	i.metrics.lifecycleError("kill", err)
	return err
}

func (i *instrumentedInstance) Pause(ctx context.Context) error {
	err := i.Instance.Pause(ctx)
	i.metrics.lifecycleError("pause", err)
	return err
}

type instrumentedCommands struct {
	sandbox.Commands
	metrics *Metrics
}

func (c *instrumentedCommands) Run(ctx context.Context, command string, opts *sandbox.CommandOptions) sandbox.ExecutionResult {
	mode := ModeSync
	if opts != nil && opts.Background {
		mode = ModeBackground
	}

	start := time.Now()
	result := c.Commands.Run(ctx, command, opts)
	c.metrics.duration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	outcome := OutcomeSuccess
	if result.ExitCode != 0 {
		outcome = OutcomeFailure
	}
	c.metrics.commands.WithLabelValues(mode, outcome).Inc()
	return result
}

func (c *instrumentedCommands) Output(ctx context.Context, pid string) (sandbox.ProcessOutput, error) {
	out, err := c.Commands.Output(ctx, pid)
	c.metrics.lifecycleError("output", err)
	return out, err
}
