package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/sandboxkit/sandbox"
)

// EnvPrefix is the prefix of environment variables overriding config keys
const EnvPrefix = "SANDBOXKIT"

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Blaxel  BlaxelConfig  `mapstructure:"blaxel"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Podman  PodmanConfig  `mapstructure:"podman"`
	Local   LocalConfig   `mapstructure:"local"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// SandboxConfig holds settings shared by every backend
type SandboxConfig struct {
	Backend            string        `mapstructure:"backend"`
	Image              string        `mapstructure:"image"`
	MemoryMB           int           `mapstructure:"memory_mb"`
	Region             string        `mapstructure:"region"`
	TTL                string        `mapstructure:"ttl"`
	Ports              []PortConfig  `mapstructure:"ports"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`
	EnableLocalBackend bool          `mapstructure:"enable_local_backend"`
}

// PortConfig declares a sandbox port to publish
type PortConfig struct {
	Name     string `mapstructure:"name"`
	Target   int    `mapstructure:"target"`
	Protocol string `mapstructure:"protocol"`
}

// BlaxelConfig holds Blaxel credentials and endpoint
type BlaxelConfig struct {
	Workspace string `mapstructure:"workspace"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
}

// DockerConfig holds Docker engine settings
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// PodmanConfig holds podman CLI settings
type PodmanConfig struct {
	Binary string `mapstructure:"binary"`
}

// LocalConfig holds local backend settings
type LocalConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

// New loads and validates the application configuration from config.yaml in . or ./config
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or searches the default locations when path is empty
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_addr", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")

	v.SetDefault("sandbox.backend", sandbox.BackendBlaxel)
	v.SetDefault("sandbox.image", "")
	v.SetDefault("sandbox.memory_mb", sandbox.DefaultMemoryMB)
	v.SetDefault("sandbox.region", sandbox.DefaultRegion)
	v.SetDefault("sandbox.ttl", sandbox.DefaultTTL)
	v.SetDefault("sandbox.command_timeout", "0s")
	v.SetDefault("sandbox.enable_local_backend", false)

	v.SetDefault("blaxel.workspace", "")
	v.SetDefault("blaxel.api_key", "")
	v.SetDefault("blaxel.base_url", sandbox.DefaultBlaxelURL)
	v.SetDefault("docker.host", "")
	v.SetDefault("podman.binary", sandbox.DefaultPodmanBin)
	v.SetDefault("local.root_dir", "")
}

// bindEnv maps SANDBOXKIT_<KEY> onto every key and the conventional credential variables
// onto their keys
func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string][]string{
		"blaxel.workspace": {EnvPrefix + "_BLAXEL_WORKSPACE", "BL_WORKSPACE"},
		"blaxel.api_key":   {EnvPrefix + "_BLAXEL_API_KEY", "BL_API_KEY"},
		"docker.host":      {EnvPrefix + "_DOCKER_HOST", "DOCKER_HOST"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("error binding env for %s: %w", key, err)
		}
	}
	return nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port must be a valid port, got: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "development" && c.Logging.Mode != "production" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'development' or 'production'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s, must be one of debug, info, warn, error", c.Logging.Level)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CommandTimeout < 0 {
		return fmt.Errorf("sandbox.command_timeout must not be negative, got: %s", c.Sandbox.CommandTimeout)
	}

	if _, err := time.ParseDuration(c.Sandbox.TTL); err != nil {
		return fmt.Errorf("invalid sandbox.ttl: %w", err)
	}

	for _, port := range c.Sandbox.Ports {
		if port.Target <= 0 || port.Target > 65535 {
			return fmt.Errorf("sandbox.ports: invalid target port %d", port.Target)
		}
	}

	supportedBackends := map[string]bool{
		sandbox.BackendBlaxel: true,
		sandbox.BackendDocker: true,
		sandbox.BackendPodman: true,
		sandbox.BackendLocal:  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Backend == sandbox.BackendBlaxel && (c.Blaxel.Workspace == "" || c.Blaxel.APIKey == "") {
		return fmt.Errorf("blaxel backend requires blaxel.workspace and blaxel.api_key (or BL_WORKSPACE and BL_API_KEY)")
	}

	return nil
}

// ProviderConfig maps the configuration onto the sandbox provider settings
func (c *Config) ProviderConfig() *sandbox.Config {
	ports := make([]sandbox.Port, 0, len(c.Sandbox.Ports))
	for _, p := range c.Sandbox.Ports {
		ports = append(ports, sandbox.Port{Name: p.Name, Target: p.Target, Protocol: p.Protocol})
	}

	return &sandbox.Config{
		Backend:        c.Sandbox.Backend,
		Workspace:      c.Blaxel.Workspace,
		APIKey:         c.Blaxel.APIKey,
		BaseURL:        c.Blaxel.BaseURL,
		Image:          c.Sandbox.Image,
		MemoryMB:       c.Sandbox.MemoryMB,
		Region:         c.Sandbox.Region,
		TTL:            c.Sandbox.TTL,
		Ports:          ports,
		CommandTimeout: c.Sandbox.CommandTimeout,
		DockerHost:     c.Docker.Host,
		PodmanBinary:   c.Podman.Binary,
		LocalRoot:      c.Local.RootDir,
	}
}
