package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLocalProvider(t *testing.T) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(zaptest.NewLogger(t), &Config{LocalRoot: t.TempDir()})
	require.NoError(t, err)
	return p
}

func TestLocalProviderCreate(t *testing.T) {
	ctx := context.Background()
	p := newTestLocalProvider(t)

	inst, err := p.Create(ctx, map[string]string{"GREETING": "hi there"}, AgentClaude, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Kill(ctx) })

	assert.True(t, strings.HasPrefix(inst.ID(), "vibekit-claude-"))
	assert.DirExists(t, filepath.Join(p.config.LocalRoot, inst.ID()))

	t.Run("EnvApplied", func(t *testing.T) {
		result := inst.Commands().Run(ctx, `printf %s "$GREETING"`, nil)
		assert.Equal(t, ExecutionResult{ExitCode: 0, Stdout: "hi there"}, result)
	})

	t.Run("Echo", func(t *testing.T) {
		result := inst.Commands().Run(ctx, "echo hello", nil)
		assert.Equal(t, ExecutionResult{ExitCode: 0, Stdout: "hello\n", Stderr: ""}, result)
	})

	t.Run("ExitCodePassedThrough", func(t *testing.T) {
		result := inst.Commands().Run(ctx, "echo oops >&2; exit 7", nil)
		assert.Equal(t, 7, result.ExitCode)
		assert.Equal(t, "oops\n", result.Stderr)
	})

	t.Run("RunsInSandboxDir", func(t *testing.T) {
		result := inst.Commands().Run(ctx, "touch marker && ls", nil)
		assert.Equal(t, "marker\n", result.Stdout)
	})

	t.Run("Timeout", func(t *testing.T) {
		start := time.Now()
		result := inst.Commands().Run(ctx, "sleep 10", &CommandOptions{Timeout: 100 * time.Millisecond})
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, ExitCodeInternal, result.ExitCode)
		assert.Equal(t, "command timed out after 100ms", result.Stderr)
	})
}

func TestLocalBackgroundCommands(t *testing.T) {
	ctx := context.Background()
	p := newTestLocalProvider(t)

	inst, err := p.Create(ctx, nil, "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Kill(ctx) })

	t.Run("ReturnsImmediately", func(t *testing.T) {
		start := time.Now()
		result := inst.Commands().Run(ctx, "sleep 5", &CommandOptions{Background: true})
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, BackgroundAck, result.Stdout)
		assert.NotEmpty(t, result.PID)
	})

	t.Run("StreamsOutput", func(t *testing.T) {
		stdout := &chunkRecorder{}
		stderr := &chunkRecorder{}
		result := inst.Commands().Run(ctx, "echo ready; echo warn >&2", &CommandOptions{
			Background: true,
			OnStdout:   stdout.add,
			OnStderr:   stderr.add,
		})
		require.Equal(t, 0, result.ExitCode)

		require.Eventually(t, func() bool {
			return stdout.joined() == "ready\n" && stderr.joined() == "warn\n"
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("Output", func(t *testing.T) {
		result := inst.Commands().Run(ctx, "echo done; exit 4", &CommandOptions{Background: true})
		require.NotEmpty(t, result.PID)

		var out ProcessOutput
		require.Eventually(t, func() bool {
			out, err = inst.Commands().Output(ctx, result.PID)
			return err == nil && !out.Running
		}, 5*time.Second, 10*time.Millisecond)

		assert.Equal(t, result.PID, out.PID)
		assert.Equal(t, 4, out.ExitCode)
		assert.Equal(t, "done\n", out.Stdout)
	})

	t.Run("OutputUnknownPID", func(t *testing.T) {
		_, err := inst.Commands().Output(ctx, "does-not-exist")
		assert.True(t, IsNotFound(err))
	})
}

func TestLocalWorkingDirectory(t *testing.T) {
	ctx := context.Background()
	p := newTestLocalProvider(t)
	workDir := filepath.Join(t.TempDir(), "nested", "workspace")

	inst, err := p.Create(ctx, nil, AgentCodex, workDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Kill(ctx) })

	require.Eventually(t, func() bool {
		info, err := os.Stat(workDir)
		return err == nil && info.IsDir()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLocalGetHost(t *testing.T) {
	ctx := context.Background()
	p := newTestLocalProvider(t)

	inst, err := p.Create(ctx, nil, "", "")
	require.NoError(t, err)

	first, err := inst.GetHost(ctx, 3000)
	require.NoError(t, err)
	second, err := inst.GetHost(ctx, 3000)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:3000", first)
	assert.Equal(t, first, second)

	_, err = inst.GetHost(ctx, 70000)
	var exposure *ExposureError
	require.ErrorAs(t, err, &exposure)
	assert.Equal(t, 70000, exposure.Port)

	require.NoError(t, inst.Kill(ctx))
	_, err = inst.GetHost(ctx, 3000)
	require.ErrorAs(t, err, &exposure)
	assert.ErrorIs(t, err, ErrInstanceTerminated)
}

func TestLocalKill(t *testing.T) {
	ctx := context.Background()
	p := newTestLocalProvider(t)

	inst, err := p.Create(ctx, nil, "", "")
	require.NoError(t, err)
	dir := filepath.Join(p.config.LocalRoot, inst.ID())

	stdout := &chunkRecorder{}
	bg := inst.Commands().Run(ctx, "while true; do echo tick; sleep 0.05; done", &CommandOptions{
		Background: true,
		OnStdout:   stdout.add,
	})
	require.Equal(t, 0, bg.ExitCode)
	require.Eventually(t, func() bool { return stdout.joined() != "" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, inst.Kill(ctx))
	assert.NoDirExists(t, dir)

	t.Run("RunAfterKill", func(t *testing.T) {
		result := inst.Commands().Run(ctx, "echo hi", nil)
		assert.Equal(t, ExitCodeInternal, result.ExitCode)
		assert.Equal(t, ErrInstanceTerminated.Error(), result.Stderr)
	})

	t.Run("SecondKillFails", func(t *testing.T) {
		err := inst.Kill(ctx)
		var perr *ProviderError
		require.ErrorAs(t, err, &perr)
		assert.ErrorIs(t, err, ErrInstanceTerminated)
	})

	t.Run("PauseAfterKill", func(t *testing.T) {
		assert.ErrorIs(t, inst.Pause(ctx), ErrInstanceTerminated)
	})

	t.Run("ResumeAfterKill", func(t *testing.T) {
		_, err := p.Resume(ctx, inst.ID())
		assert.True(t, IsNotFound(err))
	})
}

func TestLocalCommandsBackgroundChild(t *testing.T) {
	ctx := context.Background()
	p := newTestLocalProvider(t)

	inst, err := p.Create(ctx, nil, "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Kill(ctx) })

	start := time.Now()
	result := inst.Commands().Run(ctx, "echo started; sleep 5 &", &CommandOptions{Timeout: 2 * time.Second})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, ExecutionResult{ExitCode: 0, Stdout: "started\n", Stderr: ""}, result)
}

func TestLocalStreamCallbackReadsOutput(t *testing.T) {
	ctx := context.Background()
	p := newTestLocalProvider(t)

	inst, err := p.Create(ctx, nil, "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Kill(ctx) })

	var pid atomic.Value
	pid.Store("")
	outputs := make(chan ProcessOutput, 4)
	onStdout := func(string) {
		id, _ := pid.Load().(string)
		if id == "" {
			return
		}
		out, err := inst.Commands().Output(ctx, id)
		if err == nil {
			outputs <- out
		}
	}

	bg := inst.Commands().Run(ctx, "sleep 0.2; echo one; sleep 0.1; echo two", &CommandOptions{Background: true, OnStdout: onStdout})
	require.NotEmpty(t, bg.PID)
	pid.Store(bg.PID)

	select {
	case out := <-outputs:
		assert.Contains(t, out.Stdout, "one\n")
	case <-time.After(5 * time.Second):
		t.Fatal("output callback blocked reading the process output")
	}

	require.Eventually(t, func() bool {
		out, err := inst.Commands().Output(ctx, bg.PID)
		return err == nil && !out.Running && out.Stdout == "one\ntwo\n"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLocalKillDirectoryAlreadyRemoved(t *testing.T) {
	ctx := context.Background()
	p := newTestLocalProvider(t)

	inst, err := p.Create(ctx, nil, "", "")
	require.NoError(t, err)
	local := inst.(*localInstance)

	bg := inst.Commands().Run(ctx, "sleep 5", &CommandOptions{Background: true, OnStdout: func(string) {}})
	require.NotEmpty(t, bg.PID)
	require.Equal(t, 1, local.subs.count())

	require.NoError(t, os.RemoveAll(local.dir))

	require.NoError(t, inst.Kill(ctx))
	assert.Equal(t, 0, local.subs.count())

	result := inst.Commands().Run(ctx, "true", nil)
	assert.Equal(t, ErrInstanceTerminated.Error(), result.Stderr)
	assert.ErrorIs(t, inst.Kill(ctx), ErrInstanceTerminated)
}

func TestLocalKillReadOnlyTree(t *testing.T) {
	ctx := context.Background()
	p := newTestLocalProvider(t)

	inst, err := p.Create(ctx, nil, "", "")
	require.NoError(t, err)

	result := inst.Commands().Run(ctx, "mkdir -p cache/mod && touch cache/mod/go.mod && chmod -R a-w cache", nil)
	require.Equal(t, 0, result.ExitCode, result.Stderr)

	require.NoError(t, inst.Kill(ctx))
	assert.NoDirExists(t, filepath.Join(p.config.LocalRoot, inst.ID()))
}

func TestLocalResume(t *testing.T) {
	ctx := context.Background()
	p := newTestLocalProvider(t)

	created, err := p.Create(ctx, map[string]string{"TOKEN": "abc"}, "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = created.Kill(ctx) })

	t.Run("SameSandbox", func(t *testing.T) {
		resumed, err := p.Resume(ctx, created.ID())
		require.NoError(t, err)
		assert.Equal(t, created.ID(), resumed.ID())

		result := resumed.Commands().Run(ctx, `printf %s "$TOKEN"`, nil)
		assert.Equal(t, "abc", result.Stdout)
	})

	t.Run("PauseIsNoop", func(t *testing.T) {
		resumed, err := p.Resume(ctx, created.ID())
		require.NoError(t, err)
		require.NoError(t, resumed.Pause(ctx))
		require.NoError(t, resumed.Pause(ctx))
		assert.Equal(t, 0, resumed.Commands().Run(ctx, "true", nil).ExitCode)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := p.Resume(ctx, "vibekit-default-0-deadbeef")
		assert.True(t, IsNotFound(err))
	})

	t.Run("PathTraversalRejected", func(t *testing.T) {
		_, err := p.Resume(ctx, "../outside")
		assert.True(t, IsNotFound(err))
	})
}
