// Package diagnose gathers log artifacts after an abnormal termination: the
// managed application's own native logs plus the supervisor's captured
// stdout/stderr. Absence of logs is a reportable condition, never an error.
package diagnose

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	wardenlog "github.com/holon-run/warden/pkg/log"
	"github.com/holon-run/warden/pkg/monitor"
	"github.com/holon-run/warden/pkg/sink"
)

// Guidance is emitted when no log source yields any content.
const Guidance = "no logs were captured; re-run the command in an interactive/debug session and capture logs manually"

// Report is a read-only snapshot of whatever diagnostic content existed at
// failure time. It is printed once and never persisted.
type Report struct {
	RunID          string
	Classification monitor.Verdict

	// NativeLogPath and NativeLog hold the most recently modified file from
	// the application's own log directory, when one exists.
	NativeLogPath    string
	NativeLogModTime time.Time
	NativeLog        string

	// CapturedStdout and CapturedStderr hold the sink's capture files when
	// non-empty.
	CapturedStdout string
	CapturedStderr string

	// Guidance is set when no source yielded content.
	Guidance string
}

// HasContent reports whether any log source produced output.
func (r *Report) HasContent() bool {
	return r.NativeLog != "" || r.CapturedStdout != "" || r.CapturedStderr != ""
}

// Collect builds a Report for the given failure classification. nativeDir is
// the application's own log directory, distinct from the sink; it is read,
// never written. Collect never fails: missing or unreadable sources are
// simply absent from the report.
func Collect(runID string, class monitor.Verdict, s *sink.Sink, nativeDir string) *Report {
	r := &Report{RunID: runID, Classification: class}

	if nativeDir != "" {
		path, modTime, ok := latestFile(nativeDir)
		if ok {
			content, err := os.ReadFile(path)
			if err != nil {
				wardenlog.Warn("native log found but unreadable", "path", path, "error", err)
			} else {
				r.NativeLogPath = path
				r.NativeLogModTime = modTime
				r.NativeLog = string(content)
			}
		} else {
			wardenlog.Debug("no native logs found", "dir", nativeDir)
		}
	}

	if s != nil {
		r.CapturedStdout = readNonEmpty(s.StdoutPath())
		r.CapturedStderr = readNonEmpty(s.StderrPath())
	}

	if !r.HasContent() {
		r.Guidance = Guidance
	}
	return r
}

// latestFile returns the most recently modified regular file directly under
// dir.
func latestFile(dir string) (string, time.Time, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", time.Time{}, false
	}

	var bestPath string
	var bestTime time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if bestPath == "" || info.ModTime().After(bestTime) {
			bestPath = filepath.Join(dir, entry.Name())
			bestTime = info.ModTime()
		}
	}
	return bestPath, bestTime, bestPath != ""
}

func readNonEmpty(path string) string {
	if path == "" {
		return ""
	}
	content, err := os.ReadFile(path)
	if err != nil || len(content) == 0 {
		return ""
	}
	return string(content)
}

// Emit writes the report to the supervisor's log for operator inspection.
func (r *Report) Emit() {
	wardenlog.Error("run failed", "run_id", r.RunID, "classification", r.Classification.String())

	if r.NativeLog != "" {
		wardenlog.Info("native application log",
			"path", r.NativeLogPath,
			"modified", r.NativeLogModTime.Format(time.RFC3339))
		emitBlock("native log", r.NativeLog)
	}
	if r.CapturedStdout != "" {
		emitBlock("captured stdout", r.CapturedStdout)
	}
	if r.CapturedStderr != "" {
		emitBlock("captured stderr", r.CapturedStderr)
	}
	if r.Guidance != "" {
		wardenlog.Warn(r.Guidance)
	}
}

func emitBlock(name, content string) {
	wardenlog.Infof("---- %s ----\n%s\n---- end %s ----", name, strings.TrimRight(content, "\n"), name)
}
