package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// process is the handle a backend returns after submitting a command
type process struct {
	PID      string
	ExitCode int
}

// processAPI is the process execution primitive every backend exposes
type processAPI interface {
	// exec submits command. With wait set it returns once the process has exited.
	exec(ctx context.Context, command string, wait bool) (process, error)
	// logs returns the full captured content of one output stream.
	logs(ctx context.Context, pid string, stream Stream) (string, error)
	// stream starts delivering output chunks of pid to the handlers. Delivery runs until
	// ctx is done or the output ends; the returned channel is closed when it stops.
	stream(ctx context.Context, pid string, onStdout, onStderr func(string)) (<-chan struct{}, error)
	// status reports the accumulated output and state of pid.
	status(ctx context.Context, pid string) (ProcessOutput, error)
}

// subscriptions tracks live output streams owned by an instance
type subscriptions struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	next   int
	live   map[int]context.CancelFunc
}

func newSubscriptions() *subscriptions {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscriptions{
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[int]context.CancelFunc),
	}
}

// open registers a subscription and returns its context and release func
func (s *subscriptions) open() (context.Context, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	id := s.next
	s.next++
	s.live[id] = cancel

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			delete(s.live, id)
			s.mu.Unlock()
		})
	}
}

// closeAll cancels every live subscription and rejects future ones
func (s *subscriptions) closeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.live)
	s.cancel()
	s.live = make(map[int]context.CancelFunc)
	return n
}

func (s *subscriptions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// commandChannel implements Commands on top of a processAPI
type commandChannel struct {
	logger         *zap.Logger
	proc           processAPI
	subs           *subscriptions
	terminated     *atomic.Bool
	defaultTimeout time.Duration
}

// Run executes command and translates every failure into the result
func (c *commandChannel) Run(ctx context.Context, command string, opts *CommandOptions) ExecutionResult {
	if opts == nil {
		opts = &CommandOptions{}
	}

	var (
		result ExecutionResult
		err    error
	)
	switch {
	case c.terminated.Load():
		err = ErrInstanceTerminated
	case opts.Background:
		result, err = c.runBackground(ctx, command, opts)
	default:
		result, err = c.runSync(ctx, command, c.timeout(opts))
	}

	if err != nil {
		c.logger.Debug("command failed", zap.String("command", command), zap.Error(err))
		return failureResult(err, opts)
	}
	return result
}

// Output returns the accumulated output of pid
func (c *commandChannel) Output(ctx context.Context, pid string) (ProcessOutput, error) {
	if c.terminated.Load() {
		return ProcessOutput{}, ErrInstanceTerminated
	}
	return c.proc.status(ctx, pid)
}

func (c *commandChannel) timeout(opts *CommandOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return c.defaultTimeout
}

func (c *commandChannel) runSync(ctx context.Context, command string, timeout time.Duration) (ExecutionResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	proc, err := c.proc.exec(runCtx, command, true)
	if err != nil {
		return ExecutionResult{}, c.waitError(ctx, runCtx, err, timeout)
	}

	stdout, err := c.proc.logs(runCtx, proc.PID, StreamStdout)
	if err != nil {
		return ExecutionResult{}, c.waitError(ctx, runCtx, err, timeout)
	}
	stderr, err := c.proc.logs(runCtx, proc.PID, StreamStderr)
	if err != nil {
		return ExecutionResult{}, c.waitError(ctx, runCtx, err, timeout)
	}

	return ExecutionResult{
		ExitCode: proc.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// waitError distinguishes a local timeout from caller cancellation and backend errors
func (*commandChannel) waitError(parent, runCtx context.Context, err error, timeout time.Duration) error {
	if parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("command timed out after %s", timeout)
	}
	return err
}

func (c *commandChannel) runBackground(ctx context.Context, command string, opts *CommandOptions) (ExecutionResult, error) {
	proc, err := c.proc.exec(ctx, command, false)
	if err != nil {
		return ExecutionResult{}, err
	}

	if opts.OnStdout != nil || opts.OnStderr != nil {
		subCtx, release := c.subs.open()
		done, err := c.proc.stream(subCtx, proc.PID, handlerOrNoop(opts.OnStdout), handlerOrNoop(opts.OnStderr))
		if err != nil {
			release()
			return ExecutionResult{}, fmt.Errorf("failed to stream logs of process %s: %w", proc.PID, err)
		}
		go func() {
			<-done
			release()
		}()
	}

	return ExecutionResult{
		ExitCode: 0,
		Stdout:   BackgroundAck,
		PID:      proc.PID,
	}, nil
}

func failureResult(err error, opts *CommandOptions) ExecutionResult {
	msg := err.Error()
	if opts.OnStderr != nil {
		opts.OnStderr(msg)
	}
	return ExecutionResult{
		ExitCode: ExitCodeInternal,
		Stderr:   msg,
	}
}

func handlerOrNoop(fn func(string)) func(string) {
	if fn == nil {
		return func(string) {}
	}
	return fn
}

// instanceBase holds the state every backend instance shares
type instanceBase struct {
	id       string
	backend  string
	logger   *zap.Logger
	subs     *subscriptions
	killed   atomic.Bool
	cmds     *commandChannel
	exposeMu sync.Mutex
}

func newInstanceBase(logger *zap.Logger, backend, id string, proc processAPI, defaultTimeout time.Duration) *instanceBase {
	b := &instanceBase{
		id:      id,
		backend: backend,
		logger:  logger.With(zap.String("sandbox_id", id)),
		subs:    newSubscriptions(),
	}
	b.cmds = &commandChannel{
		logger:         b.logger,
		proc:           proc,
		subs:           b.subs,
		terminated:     &b.killed,
		defaultTimeout: defaultTimeout,
	}
	return b
}

// ID returns the sandbox identifier
func (b *instanceBase) ID() string { return b.id }

// Commands returns the command channel of the sandbox
func (b *instanceBase) Commands() Commands { return b.cmds }

func (b *instanceBase) checkAlive(op string) error {
	if b.killed.Load() {
		return &ProviderError{Op: op, Backend: b.backend, Err: ErrInstanceTerminated}
	}
	return nil
}

// terminate marks the instance dead and cancels its subscriptions
func (b *instanceBase) terminate() {
	b.killed.Store(true)
	if n := b.subs.closeAll(); n > 0 {
		b.logger.Debug("closed log subscriptions", zap.Int("count", n))
	}
}

// pauseNoop logs that the backend suspends idle sandboxes on its own
func (b *instanceBase) pauseNoop(reason string) error {
	b.logger.Info("pause is a no-op for this backend", zap.String("backend", b.backend), zap.String("reason", reason))
	return nil
}
