// Package main is the sandboxctl command line client.
//
// sandboxctl drives sandboxes on the configured backend without the MCP server.
// It reads the same configuration file as the server, creates a sandbox and
// prints its id, then addresses it by that id in later invocations:
//
//	id=$(sandboxctl create --agent claude -e GITHUB_TOKEN=...)
//	sandboxctl run $id "git clone https://github.com/acme/app"
//	sandboxctl run --background --follow $id "npm run dev"
//	sandboxctl host $id 3000
//	sandboxctl kill $id
package main
