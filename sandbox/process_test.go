package sandbox

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []string
}

func (r *chunkRecorder) add(s string) {
	r.mu.Lock()
	r.chunks = append(r.chunks, s)
	r.mu.Unlock()
}

func (r *chunkRecorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.chunks, "")
}

func TestOutputBuffer(t *testing.T) {
	t.Run("ReplayThenLive", func(t *testing.T) {
		buf := newOutputBuffer()
		_, _ = buf.Write([]byte("first\n"))

		rec := &chunkRecorder{}
		unsubscribe := buf.subscribe(rec.add)
		_, _ = buf.Write([]byte("second\n"))
		unsubscribe()
		_, _ = buf.Write([]byte("third\n"))

		assert.Equal(t, []string{"first\n", "second\n"}, rec.chunks)
		assert.Equal(t, "first\nsecond\nthird\n", buf.String())
	})

	t.Run("EmptyWriteIgnored", func(t *testing.T) {
		buf := newOutputBuffer()
		rec := &chunkRecorder{}
		buf.subscribe(rec.add)

		n, err := buf.Write(nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Empty(t, rec.chunks)
	})

	t.Run("ExactlyOnceUnderConcurrentWrites", func(t *testing.T) {
		buf := newOutputBuffer()
		const writes = 500

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < writes; i++ {
				_, _ = buf.Write([]byte("x"))
			}
		}()

		rec := &chunkRecorder{}
		buf.subscribe(rec.add)
		<-done

		assert.Equal(t, strings.Repeat("x", writes), rec.joined())
	})

	t.Run("SubscriberReadsBuffer", func(t *testing.T) {
		buf := newOutputBuffer()
		_, _ = buf.Write([]byte("a"))

		var seen []string
		buf.subscribe(func(string) { seen = append(seen, buf.String()) })

		written := make(chan struct{})
		go func() {
			defer close(written)
			_, _ = buf.Write([]byte("b"))
		}()

		select {
		case <-written:
		case <-time.After(5 * time.Second):
			t.Fatal("write blocked on a subscriber reading the buffer")
		}
		assert.Equal(t, []string{"a", "ab"}, seen)
	})

	t.Run("KeepsTail", func(t *testing.T) {
		buf := newOutputBuffer()
		_, _ = buf.Write([]byte(strings.Repeat("a", maxStreamBytes)))
		_, _ = buf.Write([]byte("tail"))

		out := buf.String()
		assert.Len(t, out, maxStreamBytes)
		assert.True(t, strings.HasSuffix(out, "tail"))
	})
}

func TestTrackedProcess(t *testing.T) {
	p := newTrackedProcess("pid-1", "make build")
	_, _ = p.stdout.Write([]byte("building\n"))

	snap := p.snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "building\n", snap.Stdout)
	assert.Equal(t, 0, snap.ExitCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.finish(2)
	code, err := p.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, code)

	snap = p.snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, 2, snap.ExitCode)
}

func TestProcessTable(t *testing.T) {
	t.Run("UnknownPID", func(t *testing.T) {
		table := newProcessTable()

		_, err := table.logs("missing", StreamStdout)
		assert.True(t, IsNotFound(err))
		_, err = table.status("missing")
		assert.True(t, IsNotFound(err))
		_, err = table.stream(context.Background(), "missing", func(string) {}, func(string) {})
		assert.True(t, IsNotFound(err))
	})

	t.Run("StartHostCapturesOutput", func(t *testing.T) {
		table := newProcessTable()
		p, err := table.startHost([]string{"sh", "-c", "echo out; echo err >&2; exit 3"}, t.TempDir(), nil)
		require.NoError(t, err)

		proc, err := table.submit(context.Background(), p, true)
		require.NoError(t, err)
		assert.Equal(t, 3, proc.ExitCode)

		stdout, err := table.logs(proc.PID, StreamStdout)
		require.NoError(t, err)
		assert.Equal(t, "out\n", stdout)

		stderr, err := table.logs(proc.PID, StreamStderr)
		require.NoError(t, err)
		assert.Equal(t, "err\n", stderr)

		_, err = table.logs(proc.PID, Stream("combined"))
		require.Error(t, err)
	})

	t.Run("BackgroundChildDoesNotHoldProcess", func(t *testing.T) {
		table := newProcessTable()
		p, err := table.startHost([]string{"sh", "-c", "echo started; sleep 5 &"}, t.TempDir(), nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		start := time.Now()
		proc, err := table.submit(ctx, p, true)
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 0, proc.ExitCode)

		out := p.snapshot()
		assert.Equal(t, "started\n", out.Stdout)
		assert.Empty(t, out.Stderr)
	})

	t.Run("AbandonedWaitStopsProcess", func(t *testing.T) {
		table := newProcessTable()
		p, err := table.startHost([]string{"sh", "-c", "sleep 30"}, t.TempDir(), nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = table.submit(ctx, p, true)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		require.Eventually(t, func() bool { return !p.running() }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("StreamEndsWithProcess", func(t *testing.T) {
		table := newProcessTable()
		p, err := table.startHost([]string{"sh", "-c", "echo one; sleep 0.1; echo two"}, t.TempDir(), nil)
		require.NoError(t, err)

		rec := &chunkRecorder{}
		done, err := table.stream(context.Background(), p.id, rec.add, func(string) {})
		require.NoError(t, err)

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not end with the process")
		}
		assert.Equal(t, "one\ntwo\n", rec.joined())
	})

	t.Run("StopAll", func(t *testing.T) {
		table := newProcessTable()
		p, err := table.startHost([]string{"sh", "-c", "sleep 30"}, t.TempDir(), nil)
		require.NoError(t, err)

		assert.Equal(t, 1, table.stopAll())
		require.Eventually(t, func() bool { return !p.running() }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, 0, table.stopAll())
	})

	t.Run("EmptyArgv", func(t *testing.T) {
		_, err := newProcessTable().startHost(nil, "", nil)
		require.Error(t, err)
	})
}
