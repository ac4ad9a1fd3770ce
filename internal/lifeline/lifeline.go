// Package lifeline detects the death of the supervising process. The
// preferred signal is an inherited pipe: the supervisor holds the write end,
// and EOF on the read end means it is gone. Without a pipe the watcher falls
// back to checking whether the process has been reparented.
package lifeline

import (
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"dfp/internal/logging"
)

const pollInterval = time.Second

type Watcher struct {
	ch  chan struct{}
	log *logging.Logger
}

// New starts watching. fd is the inherited read end of the supervisor's
// pipe; pass a negative fd to use the reparent fallback.
func New(fd int, log *logging.Logger) *Watcher {
	if fd >= 0 {
		return newPipe(os.NewFile(uintptr(fd), "lifeline"), log)
	}
	return newPolling(clock.New(), os.Getppid, log)
}

// ParentExit is closed exactly once, when the supervisor has exited.
func (w *Watcher) ParentExit() <-chan struct{} {
	return w.ch
}

func newPipe(f *os.File, log *logging.Logger) *Watcher {
	w := &Watcher{ch: make(chan struct{}), log: log}
	go func() {
		defer f.Close()
		buf := make([]byte, 1)
		for {
			_, err := f.Read(buf)
			if err != nil {
				w.log.Info("lifeline pipe closed", "err", err)
				close(w.ch)
				return
			}
			// The supervisor is not expected to write; any bytes are
			// ignored, only EOF matters.
		}
	}()
	return w
}

func newPolling(clk clock.Clock, getppid func() int, log *logging.Logger) *Watcher {
	w := &Watcher{ch: make(chan struct{}), log: log}
	parent := getppid()
	go func() {
		ticker := clk.Ticker(pollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if now := getppid(); now != parent {
				w.log.Info("reparented, supervisor gone", "was", parent, "now", now)
				close(w.ch)
				return
			}
		}
	}()
	return w
}
