package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/holon-run/warden/pkg/monitor"
	"github.com/holon-run/warden/pkg/sink"
)

// fastConfig returns a config scaled for tests: thresholds far enough apart
// that scheduling jitter cannot flip a classification.
func fastConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Monitor: monitor.Config{
			StartupTimeout:     5 * time.Second,
			EarlyExitThreshold: 300 * time.Millisecond,
			PollInterval:       20 * time.Millisecond,
		},
		GracePeriod: 300 * time.Millisecond,
		LogDir:      filepath.Join(t.TempDir(), "logs"),
	}
}

func shell(script string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestRunSuccess(t *testing.T) {
	cfg := fastConfig(t)
	s := New(cfg)

	res := s.Run(context.Background(), shell("sleep 0.5; echo survived; exit 0"))

	if res.Err != nil {
		t.Fatalf("Run() error = %v", res.Err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Verdict != monitor.VerdictRunning {
		t.Errorf("Verdict = %v, want %v", res.Verdict, monitor.VerdictRunning)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}

	captured, err := os.ReadFile(filepath.Join(cfg.LogDir, sink.StdoutFile))
	if err != nil {
		t.Fatalf("reading stdout capture: %v", err)
	}
	if string(captured) != "survived\n" {
		t.Errorf("stdout capture = %q, want %q", captured, "survived\n")
	}
}

func TestRunPropagatesChildExitCode(t *testing.T) {
	cfg := fastConfig(t)
	s := New(cfg)

	res := s.Run(context.Background(), shell("sleep 0.5; exit 3"))

	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Verdict != monitor.VerdictRunning {
		t.Errorf("Verdict = %v, want %v", res.Verdict, monitor.VerdictRunning)
	}
}

func TestRunEarlyExit(t *testing.T) {
	cfg := fastConfig(t)
	s := New(cfg)

	res := s.Run(context.Background(), shell("echo boom >&2; exit 7"))

	if res.Verdict != monitor.VerdictEarlyExit {
		t.Errorf("Verdict = %v, want %v", res.Verdict, monitor.VerdictEarlyExit)
	}
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
	if res.Err == nil {
		t.Error("Err = nil, want startup failure error")
	}

	// Diagnostics read the capture files; the child's stderr must be there.
	captured, err := os.ReadFile(filepath.Join(cfg.LogDir, sink.StderrFile))
	if err != nil {
		t.Fatalf("reading stderr capture: %v", err)
	}
	if string(captured) != "boom\n" {
		t.Errorf("stderr capture = %q, want %q", captured, "boom\n")
	}
}

func TestRunEndedDuringMonitoring(t *testing.T) {
	cfg := fastConfig(t)
	// A coarse poll makes the first liveness check land after both the
	// threshold and the child's exit.
	cfg.Monitor.EarlyExitThreshold = 30 * time.Millisecond
	cfg.Monitor.PollInterval = 250 * time.Millisecond
	s := New(cfg)

	res := s.Run(context.Background(), shell("sleep 0.1; exit 0"))

	if res.Verdict != monitor.VerdictEndedDuringMonitoring {
		t.Errorf("Verdict = %v, want %v", res.Verdict, monitor.VerdictEndedDuringMonitoring)
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
}

func TestRunStartupTimeoutNonFatal(t *testing.T) {
	cfg := fastConfig(t)
	// Timeout closes the window before the threshold can confirm RUNNING.
	cfg.Monitor.StartupTimeout = 100 * time.Millisecond
	cfg.Monitor.EarlyExitThreshold = 3 * time.Second
	s := New(cfg)

	res := s.Run(context.Background(), shell("sleep 0.4; exit 5"))

	if res.Verdict != monitor.VerdictTimeout {
		t.Errorf("Verdict = %v, want %v", res.Verdict, monitor.VerdictTimeout)
	}
	// Non-fatal: the supervisor keeps waiting and propagates the child's code.
	if res.ExitCode != 5 {
		t.Errorf("ExitCode = %d, want 5", res.ExitCode)
	}
}

func TestRunSinkUnavailable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits not enforced for root")
	}

	parent := t.TempDir()
	if err := os.Chmod(parent, 0555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(parent, 0755) })

	cfg := fastConfig(t)
	cfg.LogDir = filepath.Join(parent, "logs")
	s := New(cfg)

	res := s.Run(context.Background(), shell("sleep 0.5; exit 0"))

	// Log unavailability must not affect the run's outcome.
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Err != nil {
		t.Errorf("Err = %v, want nil", res.Err)
	}
}

func TestRunContextCancelTerminatesChild(t *testing.T) {
	cfg := fastConfig(t)
	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)

	start := time.Now()
	res := s.Run(ctx, shell("sleep 30"))
	elapsed := time.Since(start)

	if !res.Interrupted {
		t.Error("Interrupted = false, want true")
	}
	if elapsed > 5*time.Second {
		t.Errorf("run took %v, child was not terminated promptly", elapsed)
	}
	// sh exits on SIGTERM: 128+15.
	if res.ExitCode != 143 {
		t.Errorf("ExitCode = %d, want 143", res.ExitCode)
	}
}

func TestRunEscalatesToKillWhenTermIgnored(t *testing.T) {
	cfg := fastConfig(t)
	cfg.GracePeriod = 200 * time.Millisecond
	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)

	start := time.Now()
	res := s.Run(ctx, shell(`trap '' TERM; while :; do sleep 0.05; done`))
	elapsed := time.Since(start)

	if !res.Interrupted {
		t.Error("Interrupted = false, want true")
	}
	// SIGKILL: 128+9.
	if res.ExitCode != 137 {
		t.Errorf("ExitCode = %d, want 137", res.ExitCode)
	}
	if elapsed > 10*time.Second {
		t.Errorf("run took %v, escalation did not happen within bounds", elapsed)
	}
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	cfg := fastConfig(t)
	s := New(cfg)

	firstDone := make(chan Result, 1)
	go func() {
		firstDone <- s.Run(context.Background(), shell("sleep 1"))
	}()

	// Give the first run time to claim the slot.
	time.Sleep(300 * time.Millisecond)

	second := s.Run(context.Background(), shell("exit 0"))
	if !errors.Is(second.Err, ErrAlreadyRunning) {
		t.Errorf("second Run Err = %v, want ErrAlreadyRunning", second.Err)
	}

	first := <-firstDone
	if first.ExitCode != 0 {
		t.Errorf("first run ExitCode = %d, want 0", first.ExitCode)
	}

	// The slot is free again after the first run completes.
	third := s.Run(context.Background(), shell("sleep 0.5; exit 0"))
	if third.Err != nil {
		t.Errorf("third Run Err = %v, want nil", third.Err)
	}
}

func TestRunStartFailure(t *testing.T) {
	cfg := fastConfig(t)
	s := New(cfg)

	res := s.Run(context.Background(), Command{Path: "/nonexistent/binary"})

	if res.Err == nil {
		t.Fatal("Err = nil, want start error")
	}
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
}

func TestRunOutputRoundTrip(t *testing.T) {
	cfg := fastConfig(t)
	s := New(cfg)

	res := s.Run(context.Background(), shell("printf 'a\\nb\\nc'; printf 'x\\ny' >&2; sleep 0.5"))
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}

	stdout, err := os.ReadFile(filepath.Join(cfg.LogDir, sink.StdoutFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(stdout) != "a\nb\nc" {
		t.Errorf("stdout capture = %q, want %q", stdout, "a\nb\nc")
	}

	stderr, err := os.ReadFile(filepath.Join(cfg.LogDir, sink.StderrFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(stderr) != "x\ny" {
		t.Errorf("stderr capture = %q, want %q", stderr, "x\ny")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateStarting, "STARTING"},
		{StateRunning, "RUNNING"},
		{StateExited, "EXITED"},
		{StateTerminating, "TERMINATING"},
		{StateKilled, "KILLED"},
		{State(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(nil); got != 0 {
		t.Errorf("exitCode(nil) = %d, want 0", got)
	}
	if got := exitCode(errors.New("not an exit error")); got != 1 {
		t.Errorf("exitCode(generic) = %d, want 1", got)
	}

	// Real exit errors from short-lived commands.
	err := exec.Command("/bin/sh", "-c", "exit 9").Run()
	if got := exitCode(err); got != 9 {
		t.Errorf("exitCode(exit 9) = %d, want 9", got)
	}

	cmd := exec.Command("/bin/sh", "-c", "kill -KILL $$")
	err = cmd.Run()
	if got := exitCode(err); got != 128+int(syscall.SIGKILL) {
		t.Errorf("exitCode(SIGKILL) = %d, want %d", got, 128+int(syscall.SIGKILL))
	}
}

func TestFatalExitCode(t *testing.T) {
	if got := fatalExitCode(monitor.VerdictEarlyExit); got != 1 {
		t.Errorf("fatalExitCode(EARLY_EXIT) = %d, want 1", got)
	}
	if got := fatalExitCode(monitor.VerdictEndedDuringMonitoring); got != 2 {
		t.Errorf("fatalExitCode(ENDED_DURING_MONITORING) = %d, want 2", got)
	}
	if got := fatalExitCode(monitor.Verdict(99)); got != 1 {
		t.Errorf("fatalExitCode(unknown) = %d, want 1", got)
	}
}

func TestShellHelperQuoting(t *testing.T) {
	// Guard the helper itself: scripts with quotes must survive.
	cmd := shell(`echo "quoted"`)
	if cmd.Path != "/bin/sh" || len(cmd.Args) != 2 {
		t.Fatalf("shell() built unexpected command: %+v", cmd)
	}
	if !strings.Contains(cmd.Args[1], "quoted") {
		t.Errorf("script body lost: %q", cmd.Args[1])
	}
}
