// Package main is the entry point for the sandboxkit MCP server.
//
// The server exposes the sandbox lifecycle (create, resume, run commands,
// expose ports, pause and kill) over the Model Context Protocol. The backend is
// chosen by configuration: Blaxel, Docker, Podman or, for development, a local
// directory. The server supports both stdio and HTTP transports and can serve
// Prometheus metrics on a separate address.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
