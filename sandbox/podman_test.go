package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]mockResult
	prefixResults  map[string]mockResult
	defaultResult  mockResult
	calls          [][]string
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)

	cmdKey := strings.Join(args, " ")
	if result, exists := m.commandResults[cmdKey]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}
	for prefix, result := range m.prefixResults {
		if strings.HasPrefix(cmdKey, prefix) {
			return result.stdout, result.stderr, result.exitCode, result.err
		}
	}

	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func (m *MockCommandRunner) called(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, args := range m.calls {
		if strings.HasPrefix(strings.Join(args, " "), prefix) {
			n++
		}
	}
	return n
}

// fakePodmanBinary writes a script that runs "podman exec <id> cmd..." as cmd on the host
func fakePodmanBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script podman stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "podman")
	script := "#!/bin/sh\nshift 2\nexec \"$@\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755)) //nolint:gosec // Test stub must be executable
	return path
}

func newTestPodmanProvider(t *testing.T, runner *MockCommandRunner, binary string) *PodmanProvider {
	t.Helper()
	return NewPodmanProvider(zaptest.NewLogger(t), &Config{PodmanBinary: binary, MemoryMB: 512},
		WithPodmanCommandRunner(runner))
}

func TestNewPodmanProvider(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Defaults", func(t *testing.T) {
		p := NewPodmanProvider(logger, &Config{})
		assert.Equal(t, DefaultPodmanBin, p.config.PodmanBinary)
		assert.IsType(t, &RealCommandRunner{}, p.cmdRunner)
	})

	t.Run("WithCommandRunner", func(t *testing.T) {
		runner := &MockCommandRunner{}
		p := NewPodmanProvider(logger, &Config{}, WithPodmanCommandRunner(runner))
		assert.Same(t, runner, p.cmdRunner)
	})
}

func TestPodmanCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("RunArguments", func(t *testing.T) {
		runner := &MockCommandRunner{}
		p := newTestPodmanProvider(t, runner, "podman")

		inst, err := p.Create(ctx, map[string]string{"KEY": "value"}, AgentGrok, "")
		require.NoError(t, err)

		require.Len(t, runner.calls, 1)
		assert.Equal(t, []string{
			"podman", "run", "-d",
			"--name", inst.ID(),
			"--init",
			"--memory", "512m",
			"--label", sandboxLabelKey + "=true",
			"--label", sandboxLabelAgent + "=grok",
			"-p", "127.0.0.1::3000",
			"-e", "KEY=value",
			GrokImage, "sleep", "infinity",
		}, runner.calls[0])
	})

	t.Run("Failure", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: mockResult{stderr: "image not known", exitCode: 125}}
		p := newTestPodmanProvider(t, runner, "podman")

		_, err := p.Create(ctx, nil, "", "")
		var perr *ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "create", perr.Op)
		assert.Contains(t, err.Error(), "image not known")
		assert.Contains(t, err.Error(), "code 125")
	})

	t.Run("RunnerError", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: mockResult{exitCode: -1, err: errors.New("executable file not found")}}
		p := newTestPodmanProvider(t, runner, "podman")

		_, err := p.Create(ctx, nil, "", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "executable file not found")
	})
}

func TestPodmanResume(t *testing.T) {
	ctx := context.Background()
	runner := &MockCommandRunner{
		commandResults: map[string]mockResult{
			"podman inspect --type container --format {{.State.Status}} sbx-running": {stdout: "running\n"},
			"podman inspect --type container --format {{.State.Status}} sbx-paused":  {stdout: "paused\n"},
			"podman inspect --type container --format {{.State.Status}} sbx-missing": {stderr: "Error: no such container sbx-missing", exitCode: 125},
			"podman inspect --type container --format {{.State.Status}} sbx-object":  {stderr: "Error: no such object: \"sbx-object\"", exitCode: 125},
			"podman inspect --type container --format {{.State.Status}} sbx-denied":  {stderr: "Error: unable to connect to Podman socket: permission denied", exitCode: 125},
		},
	}
	p := newTestPodmanProvider(t, runner, "podman")

	inst, err := p.Resume(ctx, "sbx-running")
	require.NoError(t, err)
	assert.Equal(t, "sbx-running", inst.ID())
	assert.False(t, inst.(*podmanInstance).paused)

	inst, err = p.Resume(ctx, "sbx-paused")
	require.NoError(t, err)
	assert.True(t, inst.(*podmanInstance).paused)

	_, err = p.Resume(ctx, "sbx-missing")
	assert.True(t, IsNotFound(err))
	_, err = p.Resume(ctx, "sbx-object")
	assert.True(t, IsNotFound(err))

	t.Run("BackendFailureIsNotNotFound", func(t *testing.T) {
		_, err := p.Resume(ctx, "sbx-denied")
		require.Error(t, err)
		assert.False(t, IsNotFound(err))

		var providerErr *ProviderError
		require.ErrorAs(t, err, &providerErr)
		assert.Equal(t, "resume", providerErr.Op)
		assert.Contains(t, err.Error(), "permission denied")
	})
}

func TestPodmanCommands(t *testing.T) {
	ctx := context.Background()
	runner := &MockCommandRunner{}
	binary := fakePodmanBinary(t)
	p := newTestPodmanProvider(t, runner, binary)

	inst, err := p.Create(ctx, nil, "", "")
	require.NoError(t, err)

	t.Run("Sync", func(t *testing.T) {
		result := inst.Commands().Run(ctx, "echo hello; echo bad >&2; exit 3", nil)
		assert.Equal(t, ExecutionResult{ExitCode: 3, Stdout: "hello\n", Stderr: "bad\n"}, result)
	})

	t.Run("Background", func(t *testing.T) {
		stdout := &chunkRecorder{}
		result := inst.Commands().Run(ctx, "echo up", &CommandOptions{Background: true, OnStdout: stdout.add})
		assert.Equal(t, BackgroundAck, result.Stdout)
		require.Eventually(t, func() bool { return stdout.joined() == "up\n" }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("PauseThenRunUnpauses", func(t *testing.T) {
		require.NoError(t, inst.Pause(ctx))
		require.NoError(t, inst.Pause(ctx))
		assert.Equal(t, 1, runner.called(binary+" pause "+inst.ID()))

		result := inst.Commands().Run(ctx, "true", nil)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, 1, runner.called(binary+" unpause "+inst.ID()))
	})

	t.Run("ConcurrentRunsUnpauseOnce", func(t *testing.T) {
		require.NoError(t, inst.Pause(ctx))
		before := runner.called(binary + " unpause " + inst.ID())

		var wg sync.WaitGroup
		results := make([]ExecutionResult, 4)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = inst.Commands().Run(ctx, "echo ok", nil)
			}()
		}
		wg.Wait()

		for _, result := range results {
			assert.Equal(t, ExecutionResult{Stdout: "ok\n"}, result)
		}
		assert.Equal(t, before+1, runner.called(binary+" unpause "+inst.ID()))
	})

	t.Run("UnpauseFailure", func(t *testing.T) {
		require.NoError(t, inst.Pause(ctx))
		runner.mu.Lock()
		runner.prefixResults = map[string]mockResult{binary + " unpause": {stderr: "cgroup error", exitCode: 125}}
		runner.mu.Unlock()

		result := inst.Commands().Run(ctx, "true", nil)
		assert.Equal(t, ExitCodeInternal, result.ExitCode)
		assert.Contains(t, result.Stderr, "failed to unpause container")
	})
}

func TestPodmanGetHost(t *testing.T) {
	ctx := context.Background()
	runner := &MockCommandRunner{
		prefixResults: map[string]mockResult{
			"podman port sbx 3000/tcp": {stdout: "0.0.0.0:40123\n"},
			"podman port sbx 9000/tcp": {stdout: ""},
			"podman port sbx 5000/tcp": {stdout: "garbage\n"},
			"podman inspect":           {stdout: "running\n"},
		},
	}
	p := newTestPodmanProvider(t, runner, "podman")

	inst, err := p.Resume(ctx, "sbx")
	require.NoError(t, err)

	url, err := inst.GetHost(ctx, 3000)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:40123", url)

	var exposure *ExposureError
	_, err = inst.GetHost(ctx, 9000)
	require.ErrorAs(t, err, &exposure)
	assert.Contains(t, err.Error(), "not published")

	_, err = inst.GetHost(ctx, 5000)
	require.ErrorAs(t, err, &exposure)
}

func TestPodmanKill(t *testing.T) {
	ctx := context.Background()
	runner := &MockCommandRunner{
		prefixResults: map[string]mockResult{"podman inspect": {stdout: "running\n"}},
	}
	p := newTestPodmanProvider(t, runner, "podman")

	inst, err := p.Resume(ctx, "sbx")
	require.NoError(t, err)

	require.NoError(t, inst.Kill(ctx))
	assert.Equal(t, 1, runner.called("podman rm -f sbx"))

	assert.ErrorIs(t, inst.Kill(ctx), ErrInstanceTerminated)
	assert.ErrorIs(t, inst.Pause(ctx), ErrInstanceTerminated)
	assert.Equal(t, 1, runner.called("podman rm -f sbx"))
}

func TestHostPortOf(t *testing.T) {
	host, port, err := hostPortOf("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 8080, port)

	host, port, err = hostPortOf("[::]:9090")
	require.NoError(t, err)
	assert.Equal(t, "::", host)
	assert.Equal(t, 9090, port)

	_, _, err = hostPortOf("localhost:http")
	require.Error(t, err)
}
