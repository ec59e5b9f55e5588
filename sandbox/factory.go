package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Backend names
const (
	BackendBlaxel = "blaxel"
	BackendDocker = "docker"
	BackendPodman = "podman"
	BackendLocal  = "local"
)

// Defaults applied to an unset Config field
const (
	DefaultMemoryMB   = 4096
	DefaultRegion     = "us-pdx-1"
	DefaultTTL        = "24h"
	DefaultPortName   = "web-server"
	DefaultPortTarget = 3000
	DefaultProtocol   = "HTTP"
	DefaultBlaxelURL  = "https://api.blaxel.ai/v0"
	DefaultPodmanBin  = "podman"
)

// Port declares a network exposure of a sandbox
type Port struct {
	Name     string
	Target   int
	Protocol string
}

// Config holds provider configuration. A provider copies it at construction.
type Config struct {
	Backend string

	// Credentials and endpoint of a remote control plane
	Workspace string
	APIKey    string
	BaseURL   string

	Image    string
	MemoryMB int
	Region   string
	TTL      string
	Ports    []Port

	// CommandTimeout bounds synchronous commands that set no timeout of their own. Zero means unbounded.
	CommandTimeout time.Duration

	DockerHost   string
	PodmanBinary string
	LocalRoot    string
}

// withDefaults returns a copy of c with defaults filled in
func (c Config) withDefaults() Config {
	if c.MemoryMB <= 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.TTL == "" {
		c.TTL = DefaultTTL
	}
	if len(c.Ports) == 0 {
		c.Ports = []Port{{Name: DefaultPortName, Target: DefaultPortTarget, Protocol: DefaultProtocol}}
	} else {
		c.Ports = append([]Port(nil), c.Ports...)
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBlaxelURL
	}
	if c.PodmanBinary == "" {
		c.PodmanBinary = DefaultPodmanBin
	}
	if c.LocalRoot == "" {
		c.LocalRoot = filepath.Join(os.TempDir(), "sandboxkit")
	}
	return c
}

// NewProvider creates the provider selected by config.Backend
func NewProvider(logger *zap.Logger, config *Config) (Provider, error) {
	if config == nil {
		return nil, fmt.Errorf("sandbox config is required")
	}

	var (
		provider Provider
		err      error
	)
	switch config.Backend {
	case BackendBlaxel:
		provider, err = NewBlaxelProvider(logger, config)
	case BackendDocker:
		provider, err = NewDockerProvider(logger, config)
	case BackendPodman:
		provider = NewPodmanProvider(logger, config)
	case BackendLocal:
		provider, err = NewLocalProvider(logger, config)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", config.Backend)
	}
	if err != nil {
		return nil, err
	}
	return provider, nil
}
