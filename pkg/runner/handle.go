package runner

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/groundcrew/groundcrew/pkg/session"
)

// Handle is the transient view of one in-flight engine execution.
type Handle struct {
	op  Operation
	dir string
	cfg Config

	// mu guards parser, buffer, proc and pgid.
	mu     sync.Mutex
	parser *Parser
	buffer []string
	proc   *os.Process
	pgid   int

	cancelled atomic.Bool
	timedOut  atomic.Bool

	done   chan struct{}
	result *Result // written once before done is closed
}

// newHandle creates a handle for an operation in a working directory.
func newHandle(op Operation, dir string, cfg Config) *Handle {
	return &Handle{
		op:     op,
		dir:    dir,
		cfg:    cfg,
		parser: NewParser(),
		done:   make(chan struct{}),
	}
}

// attach records the child process once started. The child runs as the
// leader of its own process group, so its pgid equals its pid.
func (h *Handle) attach(proc *os.Process) {
	h.mu.Lock()
	h.proc = proc
	h.pgid = proc.Pid
	h.mu.Unlock()
}

// feed consumes one output line, appending it to the bounded buffer and
// invoking the progress callback only when the visible view changed.
func (h *Handle) feed(line string, onProgress ProgressFunc) {
	h.mu.Lock()
	h.buffer = append(h.buffer, line)
	if len(h.buffer) > h.cfg.MaxBufferLines {
		h.buffer = h.buffer[len(h.buffer)-h.cfg.MaxBufferLines:]
	}
	changed := h.parser.Feed(line)
	progress := h.parser.Progress()
	h.mu.Unlock()

	if changed && onProgress != nil {
		onProgress(progress)
	}
}

// Progress returns the current progress view.
func (h *Handle) Progress() session.Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.parser.Progress()
}

// Done returns a channel closed when the execution finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the execution finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative termination. The run will report Cancelled,
// never success. Cancelling a finished handle is a no-op.
func (h *Handle) Cancel() {
	if h.cancelled.Swap(true) {
		return
	}
	h.terminate()
}

// terminate sends SIGTERM to the child's process group and escalates to
// SIGKILL after the grace period. Signalling the whole group reaches
// subprocesses the engine forks (provider plugins); killing only the
// direct child would leave them holding the output pipe open.
func (h *Handle) terminate() {
	h.mu.Lock()
	proc := h.proc
	pgid := h.pgid
	h.mu.Unlock()
	if proc == nil {
		return
	}

	signalGroup := func(sig syscall.Signal) {
		if pgid > 0 && syscall.Kill(-pgid, sig) == nil {
			return
		}
		_ = proc.Signal(sig)
	}

	signalGroup(syscall.SIGTERM)
	go func() {
		select {
		case <-h.done:
		case <-time.After(h.cfg.GracePeriod):
			signalGroup(syscall.SIGKILL)
		}
	}()
}

// finish assembles the result and releases waiters. Called exactly once
// by the runner's reader goroutine.
func (h *Handle) finish(exitCode int, duration time.Duration) *Result {
	h.mu.Lock()
	summary, _ := h.parser.Summary()
	progress := h.parser.Progress()

	output := make([]string, len(h.buffer))
	copy(output, h.buffer)

	excerptStart := len(output) - h.cfg.ExcerptLines
	if excerptStart < 0 {
		excerptStart = 0
	}
	excerpt := make([]string, len(output)-excerptStart)
	copy(excerpt, output[excerptStart:])
	h.mu.Unlock()

	cancelled := h.cancelled.Load()
	timedOut := h.timedOut.Load()

	h.result = &Result{
		Operation: h.op,
		Success:   exitCode == 0 && !cancelled && !timedOut,
		ExitCode:  exitCode,
		Summary:   summary,
		Progress:  progress,
		Duration:  duration,
		Output:    output,
		Excerpt:   excerpt,
		Cancelled: cancelled || timedOut,
		TimedOut:  timedOut,
	}
	close(h.done)
	return h.result
}
