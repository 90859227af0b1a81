package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/groundcrew/groundcrew/pkg/session"
)

// Runner executes engine operations as child processes.
type Runner struct {
	cfg    Config
	logger zerolog.Logger

	// mu guards the in-flight set.
	mu       sync.Mutex
	inflight map[string]*Handle
}

// New creates a runner with the given configuration.
func New(cfg Config, logger zerolog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = def.PlanTimeout
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = def.ApplyTimeout
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = def.DestroyTimeout
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = def.ValidateTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.MaxBufferLines <= 0 {
		cfg.MaxBufferLines = def.MaxBufferLines
	}
	if cfg.ExcerptLines <= 0 {
		cfg.ExcerptLines = def.ExcerptLines
	}

	return &Runner{
		cfg:      cfg,
		logger:   logger.With().Str("component", "runner").Logger(),
		inflight: make(map[string]*Handle),
	}
}

// defaultArgs returns the argument list for an operation.
func defaultArgs(op Operation) []string {
	switch op {
	case OperationApply:
		return []string{"apply", "-input=false", "-no-color", "-auto-approve"}
	case OperationDestroy:
		return []string{"destroy", "-input=false", "-no-color", "-auto-approve"}
	case OperationValidate:
		return []string{"validate", "-no-color"}
	default:
		return []string{"plan", "-input=false", "-no-color"}
	}
}

// Start spawns the child process for a request and returns a handle the
// caller waits on. A second Start against the same working directory
// fails with OperationInProgress: the engine never runs two children
// against one backend location.
func (r *Runner) Start(ctx context.Context, req Request, onProgress ProgressFunc) (*Handle, error) {
	if err := req.Operation.Validate(); err != nil {
		return nil, err
	}
	if req.Dir == "" {
		return nil, fmt.Errorf("working directory is required")
	}

	binary := req.Binary
	if binary == "" {
		binary = r.cfg.Binary
	}
	args := req.Args
	if len(args) == 0 {
		args = append(defaultArgs(req.Operation), req.ExtraArgs...)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.timeoutFor(req.Operation)
	}

	h := newHandle(req.Operation, req.Dir, r.cfg)
	h.parser.SeedTotal(req.SeedTotal)

	r.mu.Lock()
	if _, busy := r.inflight[req.Dir]; busy {
		r.mu.Unlock()
		return nil, session.NewOperationInProgress(req.Dir)
	}
	r.inflight[req.Dir] = h
	r.mu.Unlock()

	cmd := exec.Command(binary, args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)
	// Run the child in its own process group so termination can signal
	// the whole tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Merge stdout and stderr into one line stream.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		r.release(req.Dir)
		return nil, fmt.Errorf("failed to start engine %s: %w", binary, err)
	}
	h.attach(cmd.Process)

	r.logger.Info().
		Str("operation", string(req.Operation)).
		Str("binary", binary).
		Str("dir", req.Dir).
		Dur("timeout", timeout).
		Msg("engine execution started")

	started := time.Now()

	// Timeout follows the identical path as an explicit cancel.
	timer := time.AfterFunc(timeout, func() {
		h.timedOut.Store(true)
		h.terminate()
	})

	// A cancelled context is treated as an explicit cancel.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-ctxDone:
		}
	}()

	// Wait in its own goroutine: the pipe writer must be closed for the
	// reader below to see EOF.
	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitCh <- err
	}()

	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			h.feed(scanner.Text(), onProgress)
		}

		waitErr := <-waitCh
		timer.Stop()
		close(ctxDone)

		exitCode := 0
		if waitErr != nil {
			exitCode = -1
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
		}

		result := h.finish(exitCode, time.Since(started))
		r.release(req.Dir)

		r.logger.Info().
			Str("operation", string(req.Operation)).
			Str("dir", req.Dir).
			Int("exit_code", exitCode).
			Bool("success", result.Success).
			Bool("cancelled", result.Cancelled).
			Bool("timed_out", result.TimedOut).
			Dur("duration", result.Duration).
			Msg("engine execution finished")
	}()

	return h, nil
}

// Run is Start followed by Wait, for callers with no use for the handle.
func (r *Runner) Run(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	h, err := r.Start(ctx, req, onProgress)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Busy reports whether an execution is in flight for a working directory.
func (r *Runner) Busy(dir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inflight[dir]
	return busy
}

// release removes a working directory from the in-flight set.
func (r *Runner) release(dir string) {
	r.mu.Lock()
	delete(r.inflight, dir)
	r.mu.Unlock()
}
