// Package supervisor launches and manages a single long-running foreground
// process: it duplicates the child's output to console and log files,
// classifies startup health, collects diagnostics on failure, and shuts the
// child down gracefully (then forcefully) on external termination signals.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/holon-run/warden/pkg/diagnose"
	wardenlog "github.com/holon-run/warden/pkg/log"
	"github.com/holon-run/warden/pkg/monitor"
	"github.com/holon-run/warden/pkg/sink"
	"github.com/holon-run/warden/pkg/tee"
)

// State is the lifecycle state of the managed process.
type State int

const (
	// StateStarting covers spawn until the monitor reaches a verdict.
	StateStarting State = iota
	// StateRunning means startup was confirmed.
	StateRunning
	// StateExited means the wait completed.
	StateExited
	// StateTerminating means a graceful termination request was sent.
	StateTerminating
	// StateKilled means termination escalated to SIGKILL.
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateExited:
		return "EXITED"
	case StateTerminating:
		return "TERMINATING"
	case StateKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// Command is the executable handed to the supervisor by an external
// launcher. The supervisor does not know or care how it was built.
type Command struct {
	Path string
	Args []string
	// Env is the child's full environment; nil inherits the supervisor's.
	Env []string
	Dir string
}

// Result is everything a run produces besides its log artifacts.
type Result struct {
	RunID    string
	ExitCode int
	Verdict  monitor.Verdict
	// Interrupted is set when an external signal terminated the run.
	Interrupted bool
	Err         error
}

// managedProcess is the supervisor-owned handle for the one active child.
// The monitor and the signal path read it; only the supervisor's terminate
// method ever signals it.
type managedProcess struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time

	// exited is closed by the wait goroutine after the tee has drained and
	// cmd.Wait has returned.
	exited  chan struct{}
	waitErr error

	mu          sync.Mutex
	state       State
	interrupted bool
}

func (p *managedProcess) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// State returns the current lifecycle state.
func (p *managedProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *managedProcess) markInterrupted() {
	p.mu.Lock()
	p.interrupted = true
	p.mu.Unlock()
}

func (p *managedProcess) wasInterrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

// Supervisor runs one managed process at a time.
type Supervisor struct {
	cfg Config

	mu   sync.Mutex
	proc *managedProcess
}

// New constructs a Supervisor. Zero-valued config fields get defaults.
func New(cfg Config) *Supervisor {
	cfg.Monitor = cfg.Monitor.WithDefaults()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	cfg.Validate()
	return &Supervisor{cfg: cfg}
}

// ErrAlreadyRunning is returned when Run is called while a managed process
// is still active. At most one child per supervisor instance.
var ErrAlreadyRunning = errors.New("supervisor already managing a process")

// Run executes the command under supervision and blocks until it completes
// or is terminated. Cancelling ctx behaves like receiving a termination
// signal. Cleanup of the sink and signal handlers happens on every path.
func (s *Supervisor) Run(ctx context.Context, command Command) Result {
	runID := uuid.NewString()
	log := wardenlog.With("run_id", runID)

	s.mu.Lock()
	if s.proc != nil {
		s.mu.Unlock()
		return Result{RunID: runID, ExitCode: 1, Err: ErrAlreadyRunning}
	}
	// Reserve the slot before spawning so concurrent Runs cannot race.
	s.proc = &managedProcess{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.proc = nil
		s.mu.Unlock()
	}()

	logSink, sinkAvailable := sink.Prepare(s.cfg.LogDir)
	defer logSink.Close()

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = command.Env
	cmd.Stdin = os.Stdin
	// Own process group, so termination reaches the child's descendants.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{RunID: runID, ExitCode: 1, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return Result{RunID: runID, ExitCode: 1, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return Result{RunID: runID, ExitCode: 1, Err: fmt.Errorf("start %s: %w", command.Path, err)}
	}

	proc := &managedProcess{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		exited:  make(chan struct{}),
		state:   StateStarting,
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	log.Infow("process started", "pid", proc.pid, "path", command.Path,
		"log_capture", sinkAvailable)

	streams := tee.New()
	streams.Go("stdout", stdout, os.Stdout, logSink.Stdout())
	streams.Go("stderr", stderr, os.Stderr, logSink.Stderr())

	// The tee must drain both pipes before Wait: os/exec closes the pipes
	// when Wait returns, and a fast-exiting child would lose buffered
	// output otherwise.
	go func() {
		streams.Wait()
		proc.waitErr = cmd.Wait()
		proc.setState(StateExited)
		close(proc.exited)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.Warnw("received termination signal, shutting down child", "signal", sig.String())
			proc.markInterrupted()
			s.terminate(proc)
		case <-ctx.Done():
			if ctx.Err() != nil && proc.State() != StateExited {
				log.Warnw("context cancelled, shutting down child")
				proc.markInterrupted()
				s.terminate(proc)
			}
		case <-proc.exited:
		}
	}()

	verdict := monitor.Watch(ctx, s.cfg.Monitor, proc.started, proc.exited)
	if verdict == monitor.VerdictRunning {
		proc.setState(StateRunning)
	}

	if verdict.Fatal() && !proc.wasInterrupted() {
		// The process either crashed during startup or ended inside the
		// monitoring window. Make sure it is gone before reporting.
		s.terminate(proc)
		<-proc.exited

		report := diagnose.Collect(runID, verdict, logSink, s.cfg.NativeLogDir)
		report.Emit()

		return Result{
			RunID:    runID,
			ExitCode: fatalExitCode(verdict),
			Verdict:  verdict,
			Err:      fmt.Errorf("process failed during startup: %s", verdict),
		}
	}

	// Normal operation: block until the child finishes (or the signal path
	// kills it).
	<-proc.exited

	code := exitCode(proc.waitErr)
	if proc.wasInterrupted() {
		log.Infow("process terminated by external signal", "exit_code", code)
		return Result{RunID: runID, ExitCode: code, Verdict: verdict, Interrupted: true}
	}

	if code == 0 {
		log.Infow("process completed", "exit_code", 0)
	} else {
		log.Warnw("process exited with failure", "exit_code", code)
	}
	return Result{RunID: runID, ExitCode: code, Verdict: verdict}
}

// terminate implements graceful-then-forced shutdown of the child's process
// group. Idempotent: a process that already exited is left alone. Only this
// method ever signals the managed process.
func (s *Supervisor) terminate(proc *managedProcess) {
	select {
	case <-proc.exited:
		return
	default:
	}

	proc.setState(StateTerminating)
	wardenlog.Info("sending SIGTERM", "pid", proc.pid)
	if err := signalGroup(proc.pid, syscall.SIGTERM); err != nil {
		wardenlog.Warn("failed to send SIGTERM", "pid", proc.pid, "error", err)
	}

	select {
	case <-proc.exited:
		wardenlog.Info("process exited after SIGTERM", "pid", proc.pid)
		return
	case <-time.After(s.cfg.GracePeriod):
	}

	proc.setState(StateKilled)
	wardenlog.Warn("grace period elapsed, sending SIGKILL", "pid", proc.pid,
		"grace_period", s.cfg.GracePeriod)
	if err := signalGroup(proc.pid, syscall.SIGKILL); err != nil {
		wardenlog.Warn("failed to send SIGKILL", "pid", proc.pid, "error", err)
	}

	// SIGKILL cannot be ignored; the bound here only guards against a wait
	// goroutine stuck on an unkillable (D-state) process.
	select {
	case <-proc.exited:
	case <-time.After(2 * time.Second):
		wardenlog.Error("process did not exit after SIGKILL", "pid", proc.pid)
	}
}

// signalGroup signals the child's entire process group. A group that is
// already gone is not an error during shutdown.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
	return nil
}

// fatalExitCode maps a fatal monitor verdict to the supervisor's exit code:
// 1 for early exit (and anything unexpected), 2 for an exit inside the
// monitoring window.
func fatalExitCode(v monitor.Verdict) int {
	if v == monitor.VerdictEndedDuringMonitoring {
		return 2
	}
	return 1
}

// exitCode extracts the child's exit code from the wait error. A child
// killed by a signal maps to 128+signal.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}
