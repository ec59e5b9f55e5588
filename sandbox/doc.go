// Package sandbox provides a uniform abstraction over remote execution environments.
//
// A Provider creates sandboxes, or reattaches to existing ones by id, for one
// backend: Blaxel (remote REST API), Docker, Podman, or local host processes
// (for development). Each sandbox is an Instance exposing a Commands channel,
// port-to-URL resolution, and Pause/Kill lifecycle operations.
//
// Lifecycle failures are returned as errors (*ProviderError, *NotFoundError,
// *ExposureError). Command failures are never returned as errors: Commands.Run
// always produces an ExecutionResult, with ExitCode 1 and the error text in
// Stderr when the command could not be run.
//
// Usage:
//
//	provider, err := sandbox.NewProvider(logger, &sandbox.Config{Backend: "docker"})
//	inst, err := provider.Create(ctx, map[string]string{"FOO": "bar"}, sandbox.AgentClaude, "/workspace")
//	result := inst.Commands().Run(ctx, "echo hello", nil)
//	bg := inst.Commands().Run(ctx, "npm run dev", &sandbox.CommandOptions{
//	    Background: true,
//	    OnStdout:   func(chunk string) { fmt.Print(chunk) },
//	})
//	url, err := inst.GetHost(ctx, 3000)
//	err = inst.Kill(ctx)
package sandbox
