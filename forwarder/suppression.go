package forwarder

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// suppressionCacheSize bounds the record against source-address churn; a
// forwarder only ever emits from the pair's two proxy addresses, so the cap
// is generous.
const suppressionCacheSize = 64

// Record tracks source addresses this forwarder recently relayed from, so an
// inbound datagram that is an echo of the proxy's own send can be recognised
// and discarded. Entries older than the window no longer count; a window of
// zero disables suppression entirely.
type Record struct {
	clk    clock.Clock
	window time.Duration

	mu     sync.Mutex
	recent *lru.Cache[string, time.Time]
}

func NewRecord(window time.Duration, clk clock.Clock) *Record {
	if clk == nil {
		clk = clock.New()
	}
	cache, _ := lru.New[string, time.Time](suppressionCacheSize)
	return &Record{clk: clk, window: window, recent: cache}
}

// Note records that a datagram was just sent with the given source address.
func (r *Record) Note(ip net.IP) {
	if r.window <= 0 || ip == nil {
		return
	}
	r.mu.Lock()
	r.recent.Add(ip.String(), r.clk.Now())
	r.mu.Unlock()
}

// Echo reports whether an inbound datagram from ip matches a send recorded
// within the suppression window.
func (r *Record) Echo(ip net.IP) bool {
	if r.window <= 0 || ip == nil {
		return false
	}
	key := ip.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	sent, ok := r.recent.Get(key)
	if !ok {
		return false
	}
	if r.clk.Now().Sub(sent) > r.window {
		r.recent.Remove(key)
		return false
	}
	return true
}
