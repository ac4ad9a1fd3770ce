package proxy

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// EventRecord is one processed lifecycle event, kept for the management
// /state view.
type EventRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Interface string    `json:"interface"`
	Role      string    `json:"role"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

// eventTracker keeps a bounded history of lifecycle events.
type eventTracker struct {
	clk clock.Clock

	mu      sync.RWMutex
	history []EventRecord
	maxSize int
	total   int
}

func newEventTracker(maxSize int, clk clock.Clock) *eventTracker {
	if maxSize <= 0 {
		maxSize = 32
	}
	if clk == nil {
		clk = clock.New()
	}
	return &eventTracker{
		clk:     clk,
		history: make([]EventRecord, 0, maxSize),
		maxSize: maxSize,
	}
}

func (et *eventTracker) record(kind, iface, role, outcome string, err error) {
	rec := EventRecord{
		Timestamp: et.clk.Now(),
		Kind:      kind,
		Interface: iface,
		Role:      role,
		Outcome:   outcome,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	et.mu.Lock()
	defer et.mu.Unlock()
	et.total++
	et.history = append(et.history, rec)
	if len(et.history) > et.maxSize {
		et.history = et.history[1:]
	}
}

// History returns a copy of the recorded events, oldest first.
func (et *eventTracker) History() []EventRecord {
	et.mu.RLock()
	defer et.mu.RUnlock()
	out := make([]EventRecord, len(et.history))
	copy(out, et.history)
	return out
}

// Total counts every event ever recorded, including ones that have aged out
// of the bounded history.
func (et *eventTracker) Total() int {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.total
}
