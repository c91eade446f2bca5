package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Engine owns one engine subprocess and everything needed to talk to it:
// the readiness state, the input queue, the classified output channel and
// the single-flight admission gate.
type Engine struct {
	opts      Options
	logger    *slog.Logger
	state     *StateMachine
	modelPath string
	modelName string

	sub    *Subprocess
	input  *inputQueue
	lines  chan string // classified payload lines, closed when stdout ends
	admit  *semaphore.Weighted
	flight flight

	closing atomic.Bool
	faultMu sync.Mutex
	fault   error
	done    chan struct{} // closed once the engine is down
}

// flight is the dispatcher state: Idle when id is empty, InFlight(id)
// otherwise.
type flight struct {
	mu sync.Mutex
	id string
}

func (f *flight) begin(id string) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

func (f *flight) end() {
	f.mu.Lock()
	f.id = ""
	f.mu.Unlock()
}

func (f *flight) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

// New creates an Engine. Call Start to launch the subprocess.
func New(opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	logger = logger.With("component", "engine")

	return &Engine{
		opts:      opts,
		logger:    logger,
		state:     NewStateMachine(logger),
		modelPath: opts.ModelPath,
		modelName: filepath.Base(opts.ModelPath),
		input:     newInputQueue(opts.QueueSize),
		lines:     make(chan string, opts.QueueSize),
		admit:     semaphore.NewWeighted(1),
		done:      make(chan struct{}),
	}
}

// Start spawns the engine subprocess and its writer and reader loops.
// A spawn failure is returned as is; there is no retry.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.opts.ModelPath == "" {
		return errors.New("engine: model path required")
	}

	sub, err := NewSubprocess(SubprocessConfig{
		Binary:      e.opts.Binary,
		Args:        buildArgs(e.opts),
		Logger:      e.logger,
		StopTimeout: e.opts.ShutdownGrace,
	})
	if err != nil {
		return err
	}
	stdin, stdout, err := sub.Start()
	if err != nil {
		return err
	}
	e.sub = sub
	e.logger.Info("engine started", "pid", sub.PID(), "model", e.modelPath, "parallel", e.opts.MaxParallel)

	e.attach(stdin, stdout)

	go e.monitor()
	return nil
}

// attach starts the writer and reader loops on the engine's stdin and
// stdout.
func (e *Engine) attach(stdin io.WriteCloser, stdout io.Reader) {
	go func() {
		defer stdin.Close()
		if err := e.input.run(stdin); err != nil && !e.closing.Load() {
			e.logger.Error("engine input writer stopped", "error", err)
			e.fail(fmt.Errorf("%w: %v", ErrEngineDown, err))
		}
	}()
	go e.read(stdout)
}

// monitor records an unexpected subprocess exit. The engine is not
// restarted.
func (e *Engine) monitor() {
	<-e.sub.Done()
	if e.closing.Load() || e.sub.WasStopped() {
		e.logger.Info("engine process exited", "exit_code", e.sub.ExitCode())
		return
	}
	code := e.sub.ExitCode()
	e.logger.Error("engine process exited", "exit_code", code)
	e.fail(fmt.Errorf("%w: process exited with code %d", ErrEngineDown, code))
}

// read is the output classifier. Readiness markers move the state machine;
// every other line is payload for the in-flight request.
func (e *Engine) read(stdout io.Reader) {
	defer close(e.lines)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case isLoadingLine(line, e.opts.LoadingMarker):
			if e.state.Current() != StateLoading {
				e.state.transition(StateLoading)
			}
			continue
		case isInputReadyLine(line):
			e.state.transition(StateReady)
			continue
		}

		e.observe(line)

		id := e.flight.current()
		if id == "" {
			e.logger.Debug("discarding engine output with no request in flight", "line", line)
			continue
		}
		e.lines <- line
	}

	switch err := scanner.Err(); {
	case err != nil:
		e.logger.Error("engine output read failed", "error", err)
	case e.closing.Load():
		e.logger.Debug("engine output closed")
	default:
		e.logger.Error("engine output closed unexpectedly")
	}
	e.fail(fmt.Errorf("%w: output stream ended", ErrEngineDown))
}

// observe handles side effects of payload lines: batch start moves the
// engine to RUNNING, diagnostics are logged.
func (e *Engine) observe(line string) {
	switch {
	case strings.HasPrefix(line, "START:"):
		e.state.transition(StateRunning)
	case strings.HasPrefix(line, "DEBUG:"):
		e.logger.Debug("engine debug", "line", strings.TrimSpace(line[len("DEBUG:"):]))
	case strings.Contains(line, "t/s"):
		e.logger.Info("engine performance", "line", strings.TrimSpace(line))
	}
}

// fail records the first fault and moves the engine to DOWN permanently.
func (e *Engine) fail(err error) {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	if e.fault != nil {
		return
	}
	e.fault = err
	e.state.transition(StateDown)
	close(e.done)
}

// Err returns the fault that took the engine down, or nil while it is up.
func (e *Engine) Err() error {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	return e.fault
}

// Done is closed once the engine is down.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// State returns the current readiness state.
func (e *Engine) State() State {
	return e.state.Current()
}

// CheckReady returns nil when the engine is READY to accept a request,
// ErrNotReady while it is starting or busy, and the fault once it is down.
func (e *Engine) CheckReady() error {
	switch e.State() {
	case StateReady:
		return nil
	case StateDown:
		return e.downErr()
	default:
		return ErrNotReady
	}
}

// WaitReady blocks until the engine first becomes READY, goes down, or ctx
// ends.
func (e *Engine) WaitReady(ctx context.Context) error {
	state, err := e.state.Wait(ctx, StateReady)
	if err != nil {
		return err
	}
	if state == StateDown {
		return e.downErr()
	}
	return nil
}

// ModelPath returns the model path the engine was started with.
func (e *Engine) ModelPath() string {
	return e.modelPath
}

// ModelName returns the base name of the model path.
func (e *Engine) ModelName() string {
	return e.modelName
}

// MaxParallel returns the largest sequence count a request may ask for.
func (e *Engine) MaxParallel() int {
	return e.opts.MaxParallel
}

// Close asks the engine to exit by sending a blank line, waits for it up to
// the shutdown grace period and then signals it.
func (e *Engine) Close() error {
	e.closing.Store(true)
	e.input.Close()

	var err error
	if e.sub != nil {
		select {
		case <-e.sub.Done():
		case <-time.After(e.opts.ShutdownGrace):
		}
		err = e.sub.GracefulStop()
	}
	e.fail(fmt.Errorf("%w: closed", ErrEngineDown))
	return err
}

func (e *Engine) downErr() error {
	if err := e.Err(); err != nil {
		return err
	}
	return ErrEngineDown
}
