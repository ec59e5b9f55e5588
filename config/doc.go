// Package config provides application configuration management.
//
// The config package loads the application's configuration from a YAML file
// (config.yaml in the working directory or ./config), applies defaults and
// environment overrides, and validates the result. Every key can be overridden
// with a SANDBOXKIT_ prefixed variable (SANDBOXKIT_SANDBOX_BACKEND for
// sandbox.backend). Blaxel credentials are also read from BL_WORKSPACE and
// BL_API_KEY, and the Docker endpoint from DOCKER_HOST.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	provider, err := sandbox.NewProvider(logger, cfg.ProviderConfig())
package config
