package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Subprocess manages the lifecycle of the engine child process.
// It handles binary resolution, argument construction, process start/stop,
// stderr logging and exit detection. Stdin and stdout belong to the caller.
type Subprocess struct {
	cmd *exec.Cmd
	mu  sync.Mutex

	binPath     string
	args        []string
	logger      *slog.Logger
	stopped     bool          // true after GracefulStop
	doneCh      chan struct{} // closed when the process exits
	stopTimeout time.Duration
}

// SubprocessConfig holds everything needed to start the engine.
type SubprocessConfig struct {
	Binary      string
	Args        []string
	Logger      *slog.Logger
	StopTimeout time.Duration // SIGTERM -> SIGKILL grace (default 5s)
}

// resolveBinary returns the executable path for bin. Names without a path
// separator are looked up on PATH.
func resolveBinary(bin string) (string, error) {
	if bin == "" {
		return "", errors.New("engine binary not configured")
	}
	if !strings.ContainsRune(bin, os.PathSeparator) && !strings.ContainsRune(bin, '/') {
		path, err := exec.LookPath(bin)
		if err != nil {
			return "", fmt.Errorf("engine binary %q not found on PATH: %w", bin, err)
		}
		return path, nil
	}
	info, err := os.Stat(bin)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("engine binary not found at %s", bin)
		}
		return "", fmt.Errorf("stat engine binary: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("engine binary %s is a directory", bin)
	}
	return bin, nil
}

// buildArgs renders the engine command line template
//
//	-m <model> -ngl <layers> -sm <mode> -fa -np <parallel> -c <ctx>
func buildArgs(opts Options) []string {
	args := []string{
		"-m", opts.ModelPath,
		"-ngl", strconv.Itoa(opts.GPULayers),
		"-sm", opts.SplitMode,
	}
	if opts.FlashAttention {
		args = append(args, "-fa")
	}
	args = append(args,
		"-np", strconv.Itoa(opts.MaxParallel),
		"-c", strconv.Itoa(opts.CtxSize),
	)
	return append(args, opts.ExtraArgs...)
}

// NewSubprocess creates a Subprocess but does not start it. Call Start next.
func NewSubprocess(cfg SubprocessConfig) (*Subprocess, error) {
	binPath, err := resolveBinary(cfg.Binary)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stopTimeout := cfg.StopTimeout
	if stopTimeout == 0 {
		stopTimeout = 5 * time.Second
	}

	return &Subprocess{
		binPath:     binPath,
		args:        cfg.Args,
		logger:      logger,
		stopTimeout: stopTimeout,
		doneCh:      make(chan struct{}),
	}, nil
}

// Start launches the process and returns its stdin and stdout.
func (s *Subprocess) Start() (io.WriteCloser, io.ReadCloser, error) {
	s.mu.Lock()
	s.stopped = false
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.cmd = exec.Command(s.binPath, s.args...)

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("engine stdin: %w", err)
	}
	// Output goes through in-memory pipes closed only after Wait returns, so
	// the reader sees every line before EOF.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	s.cmd.Stdout = stdoutW
	s.cmd.Stderr = stderrW

	s.logger.Info("starting engine", "binary", s.binPath, "args", strings.Join(s.args, " "))

	if err := s.cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, nil, fmt.Errorf("failed to start engine: %w", err)
	}

	go s.scanStderr(stderrR)

	// Background goroutine to detect process exit.
	done := s.doneCh
	go func() {
		s.cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		close(done)
	}()

	return stdin, stdoutR, nil
}

// PID returns the process id, or 0 if the process was never started.
func (s *Subprocess) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done returns a channel that is closed when the subprocess exits.
func (s *Subprocess) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneCh
}

// ExitCode returns the process exit code, or -1 if not yet exited.
func (s *Subprocess) ExitCode() int {
	if s.cmd == nil || s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

// WasStopped returns true if GracefulStop was called.
func (s *Subprocess) WasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// GracefulStop sends SIGTERM, waits up to the stop timeout, then SIGKILL.
func (s *Subprocess) GracefulStop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	select {
	case <-s.doneCh:
		return nil
	default:
	}

	pid := s.cmd.Process.Pid
	s.logger.Info("sending SIGTERM to engine", "pid", pid)

	var sigErr error
	if runtime.GOOS == "windows" {
		sigErr = s.cmd.Process.Signal(os.Interrupt)
	} else {
		sigErr = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	if sigErr != nil {
		// Process may already be dead.
		s.logger.Debug("engine signal failed", "pid", pid, "error", sigErr)
		return nil
	}

	select {
	case <-s.doneCh:
		s.logger.Info("engine exited", "pid", pid)
		return nil
	case <-time.After(s.stopTimeout):
		s.logger.Warn("engine did not exit after SIGTERM, sending SIGKILL", "pid", pid)
		if err := s.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill engine: %w", err)
		}
		<-s.doneCh
		return nil
	}
}

// scanStderr forwards engine diagnostics to the debug log.
func (s *Subprocess) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			s.logger.Debug("engine stderr", "line", line)
		}
	}
}
