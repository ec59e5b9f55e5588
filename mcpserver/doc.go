// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox lifecycle as MCP tools:
// create_sandbox, resume_sandbox, run_command, command_output, get_host,
// pause_sandbox and kill_sandbox. It uses the mark3labs/mcp-go library to
// handle the protocol details. Tool results are JSON documents; lifecycle
// failures are returned as error results, while a failing command is an
// ordinary result carrying its exit code.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, provider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
