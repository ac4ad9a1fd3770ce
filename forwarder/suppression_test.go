package forwarder

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestRecordEchoWithinWindow(t *testing.T) {
	clk := clock.NewMock()
	rec := NewRecord(time.Second, clk)
	ip := net.IPv4(10, 0, 0, 1)

	if rec.Echo(ip) {
		t.Fatalf("echo reported before any send")
	}
	rec.Note(ip)
	if !rec.Echo(ip) {
		t.Fatalf("echo not detected immediately after send")
	}

	clk.Add(time.Second)
	if !rec.Echo(ip) {
		t.Fatalf("entry expired at exactly the window boundary")
	}
	clk.Add(time.Millisecond)
	if rec.Echo(ip) {
		t.Fatalf("entry survived past the window")
	}
	// The expired entry is gone, not merely ignored.
	if rec.Echo(ip) {
		t.Fatalf("expired entry reported again")
	}
}

func TestRecordZeroWindowDisabled(t *testing.T) {
	rec := NewRecord(0, clock.NewMock())
	ip := net.IPv4(10, 0, 0, 1)
	rec.Note(ip)
	if rec.Echo(ip) {
		t.Fatalf("suppression active with zero window")
	}
}

func TestRecordNilIP(t *testing.T) {
	rec := NewRecord(time.Second, clock.NewMock())
	rec.Note(nil)
	if rec.Echo(nil) {
		t.Fatalf("nil address treated as echo")
	}
}

func TestRecordBounded(t *testing.T) {
	clk := clock.NewMock()
	rec := NewRecord(time.Hour, clk)
	first := net.IPv4(10, 0, 0, 1)
	rec.Note(first)
	for i := 0; i < suppressionCacheSize; i++ {
		rec.Note(net.ParseIP(fmt.Sprintf("10.0.1.%d", i+1)))
	}
	if rec.Echo(first) {
		t.Fatalf("oldest entry not evicted at capacity")
	}
}
