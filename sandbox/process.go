package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	maxStreamBytes = 1 << 20 // 1 MiB per stream

	// hostOutputGrace is how long output is drained after a host process exits
	hostOutputGrace = 100 * time.Millisecond
)

// outputBuffer keeps the tail of a stream and fans writes out to subscribers
type outputBuffer struct {
	// deliverMu orders deliveries so each subscriber sees every chunk once, in write order.
	// Subscribers run without mu held and may read the buffer.
	deliverMu sync.Mutex

	mu   sync.Mutex
	data []byte
	next int
	subs map[int]func(string)
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{subs: make(map[int]func(string))}
}

// Write appends p and hands it to every subscriber in write order
func (b *outputBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	b.data = append(b.data, p...)
	if over := len(b.data) - maxStreamBytes; over > 0 {
		b.data = append([]byte(nil), b.data[over:]...)
	}
	subs := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	chunk := string(p)
	for _, fn := range subs {
		fn(chunk)
	}
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// subscribe replays buffered output to fn, then registers it for live writes.
// No write is delivered between the replay and the registration.
func (b *outputBuffer) subscribe(fn func(string)) func() {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	replay := string(b.data)
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	if replay != "" {
		fn(replay)
	}

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// trackedProcess is a command whose output is captured in memory
type trackedProcess struct {
	id        string
	command   string
	startedAt time.Time
	stdout    *outputBuffer
	stderr    *outputBuffer
	done      chan struct{}
	stop      func()

	mu       sync.Mutex
	exitCode int
}

func newTrackedProcess(id, command string) *trackedProcess {
	return &trackedProcess{
		id:        id,
		command:   command,
		startedAt: time.Now(),
		stdout:    newOutputBuffer(),
		stderr:    newOutputBuffer(),
		done:      make(chan struct{}),
		stop:      func() {},
	}
}

// finish records the exit code. All output must have been written before.
func (p *trackedProcess) finish(exitCode int) {
	p.mu.Lock()
	p.exitCode = exitCode
	p.mu.Unlock()
	close(p.done)
}

func (p *trackedProcess) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *trackedProcess) wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *trackedProcess) snapshot() ProcessOutput {
	out := ProcessOutput{
		PID:     p.id,
		Running: p.running(),
		Stdout:  p.stdout.String(),
		Stderr:  p.stderr.String(),
	}
	if !out.Running {
		p.mu.Lock()
		out.ExitCode = p.exitCode
		p.mu.Unlock()
	}
	return out
}

// processTable indexes the processes of one instance
type processTable struct {
	mu    sync.RWMutex
	procs map[string]*trackedProcess
}

func newProcessTable() *processTable {
	return &processTable{procs: make(map[string]*trackedProcess)}
}

func (t *processTable) add(p *trackedProcess) {
	t.mu.Lock()
	t.procs[p.id] = p
	t.mu.Unlock()
}

func (t *processTable) get(pid string) (*trackedProcess, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.procs[pid]
	if !ok {
		return nil, &NotFoundError{Kind: "process", ID: pid}
	}
	return p, nil
}

// stopAll stops every running process and returns how many were signalled
func (t *processTable) stopAll() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, p := range t.procs {
		if p.running() {
			p.stop()
			n++
		}
	}
	return n
}

// submit waits for p when asked to and converts it into a process handle.
// A process whose wait is abandoned is stopped.
func (*processTable) submit(ctx context.Context, p *trackedProcess, wait bool) (process, error) {
	if !wait {
		return process{PID: p.id}, nil
	}
	code, err := p.wait(ctx)
	if err != nil {
		p.stop()
		return process{}, err
	}
	return process{PID: p.id, ExitCode: code}, nil
}

func (t *processTable) logs(pid string, stream Stream) (string, error) {
	p, err := t.get(pid)
	if err != nil {
		return "", err
	}
	switch stream {
	case StreamStdout:
		return p.stdout.String(), nil
	case StreamStderr:
		return p.stderr.String(), nil
	default:
		return "", fmt.Errorf("unknown stream: %s", stream)
	}
}

func (t *processTable) stream(ctx context.Context, pid string, onStdout, onStderr func(string)) (<-chan struct{}, error) {
	p, err := t.get(pid)
	if err != nil {
		return nil, err
	}

	unsubOut := p.stdout.subscribe(onStdout)
	unsubErr := p.stderr.subscribe(onStderr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-p.done:
		}
		unsubOut()
		unsubErr()
	}()
	return done, nil
}

func (t *processTable) status(pid string) (ProcessOutput, error) {
	p, err := t.get(pid)
	if err != nil {
		return ProcessOutput{}, err
	}
	return p.snapshot(), nil
}

// startHost runs argv as a host process whose output is captured in the table.
// The process is not bound to any context so background commands outlive the caller.
// It finishes when argv exits, even if children it left running still hold its output.
func (t *processTable) startHost(argv []string, dir string, env []string) (*trackedProcess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command provided")
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // Running caller commands is the purpose of a sandbox
	cmd.Dir = dir
	cmd.Env = env
	setProcessGroup(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("prepare stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("prepare stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	// The child holds its own copies of the write ends
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if startErr != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, fmt.Errorf("start process: %w", startErr)
	}

	p := newTrackedProcess(uuid.NewString(), argv[len(argv)-1])
	p.stop = func() { killProcessGroup(cmd) }
	t.add(p)

	go func() {
		var g errgroup.Group
		g.Go(func() error {
			_, err := io.Copy(p.stdout, stdoutR)
			return err
		})
		g.Go(func() error {
			_, err := io.Copy(p.stderr, stderrR)
			return err
		})
		copied := make(chan struct{})
		go func() {
			_ = g.Wait()
			close(copied)
		}()

		code := exitCodeOf(cmd.Wait())

		// Processes started in the background by argv keep the pipes open
		select {
		case <-copied:
		case <-time.After(hostOutputGrace):
			_ = stdoutR.Close()
			_ = stderrR.Close()
			<-copied
		}
		_ = stdoutR.Close()
		_ = stderrR.Close()
		p.finish(code)
	}()

	return p, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return ExitCodeInternal
}
