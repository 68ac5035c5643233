// Package tee duplicates the managed process's output streams to the
// supervisor's console and to the log sink's capture files, in-process,
// without any filesystem-visible pipe objects.
package tee

import (
	"io"
	"os"
	"sync"

	wardenlog "github.com/holon-run/warden/pkg/log"
)

// Tee runs one duplication goroutine per stream. Each goroutine drains its
// source to EOF before signaling completion, so no buffered output is lost
// even when the child exits immediately.
type Tee struct {
	wg sync.WaitGroup
}

// New returns an empty Tee; attach streams with Go.
func New() *Tee {
	return &Tee{}
}

// Go starts duplicating src to console and, when file is non-nil, to file.
// A file write failure abandons the file fan-out for this stream only and
// is logged once as a warning; console forwarding continues, and the other
// stream is unaffected.
func (t *Tee) Go(name string, src io.Reader, console io.Writer, file *os.File) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.copyStream(name, src, console, file)
	}()
}

// Wait blocks until every attached stream has been drained to EOF.
func (t *Tee) Wait() {
	t.wg.Wait()
}

func (t *Tee) copyStream(name string, src io.Reader, console io.Writer, file *os.File) {
	buf := make([]byte, 32*1024)
	fileOK := file != nil

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if console != nil {
				// Console writes are best effort: a broken console must not
				// stop the drain, or the child could block on a full pipe.
				_, _ = console.Write(chunk)
			}
			if fileOK {
				if _, err := file.Write(chunk); err != nil {
					wardenlog.Warn("log capture write failed, continuing console-only",
						"stream", name, "error", err)
					fileOK = false
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				wardenlog.Debug("stream closed", "stream", name, "error", readErr)
			}
			return
		}
	}
}
