package forwarder

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"dfp/internal/logging"
)

type fakePacket struct {
	data []byte
	cm   *ipv4.ControlMessage
	src  net.Addr
	err  error
}

type fakeSent struct {
	data []byte
	cm   *ipv4.ControlMessage
	dst  net.Addr
}

// fakeConn is an in-memory packetConn: tests feed datagrams (or errors) into
// in and observe relayed writes on out.
type fakeConn struct {
	in  chan fakePacket
	out chan fakeSent

	mu       sync.Mutex
	closed   bool
	writeErr error
	done     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan fakePacket, 8),
		out:  make(chan fakeSent, 8),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error) {
	select {
	case p := <-c.in:
		if p.err != nil {
			return 0, nil, nil, p.err
		}
		return copy(b, p.data), p.cm, p.src, nil
	case <-c.done:
		return 0, nil, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error) {
	c.mu.Lock()
	werr := c.writeErr
	c.mu.Unlock()
	if werr != nil {
		return 0, werr
	}
	select {
	case c.out <- fakeSent{data: append([]byte(nil), b...), cm: cm, dst: dst}:
		return len(b), nil
	case <-c.done:
		return 0, net.ErrClosed
	}
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

var (
	testPhysAddr = &ifaceAddr{
		name:      "eth0",
		index:     2,
		ip:        net.IPv4(192, 168, 1, 2).To4(),
		broadcast: net.IPv4(192, 168, 1, 255).To4(),
	}
	testGuestAddr = &ifaceAddr{
		name:      "virbr0",
		index:     5,
		ip:        net.IPv4(10, 0, 0, 1).To4(),
		broadcast: net.IPv4(10, 0, 0, 255).To4(),
	}
)

func newTestForwarder(t *testing.T, proto Protocol, window time.Duration, clk clock.Clock, onPerm func(string, error)) (*Forwarder, *fakeConn, *fakeConn) {
	t.Helper()
	if clk == nil {
		clk = clock.New()
	}
	physConn := newFakeConn()
	guestConn := newFakeConn()
	f := &Forwarder{
		proto:     proto,
		phys:      testPhysAddr.name,
		guest:     testGuestAddr.name,
		bcastPort: 137,
		pair: &SocketPair{
			phys:  &endpoint{conn: physConn, addr: testPhysAddr},
			guest: &endpoint{conn: guestConn, addr: testGuestAddr},
		},
		seen:        NewRecord(window, clk),
		clk:         clk,
		log:         logging.New(logging.LevelError, io.Discard),
		onPermanent: onPerm,
	}
	t.Cleanup(func() { f.Close() })
	return f, physConn, guestConn
}

func waitSent(t *testing.T, c *fakeConn) fakeSent {
	t.Helper()
	select {
	case s := <-c.out:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no datagram relayed within deadline")
		return fakeSent{}
	}
}

func expectQuiet(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case s := <-c.out:
		t.Fatalf("unexpected relay to %v: %q", s.dst, s.data)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitCounter(t *testing.T, load func() uint64, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if load() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("counter did not reach %d (got %d)", want, load())
}

func TestRelayRewritesSource(t *testing.T) {
	f, physConn, guestConn := newTestForwarder(t, MDNS, time.Second, nil, nil)
	f.Start()

	payload := []byte("mdns-query")
	physConn.in <- fakePacket{
		data: payload,
		src:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: 5353},
	}

	sent := waitSent(t, guestConn)
	if string(sent.data) != string(payload) {
		t.Fatalf("payload altered in relay: got %q want %q", sent.data, payload)
	}
	if sent.cm == nil {
		t.Fatalf("relayed without a control message")
	}
	if !sent.cm.Src.Equal(testGuestAddr.ip) {
		t.Errorf("source not rewritten: got %v want %v", sent.cm.Src, testGuestAddr.ip)
	}
	if sent.cm.IfIndex != testGuestAddr.index {
		t.Errorf("wrong outgoing interface index: got %d want %d", sent.cm.IfIndex, testGuestAddr.index)
	}
	dst, ok := sent.dst.(*net.UDPAddr)
	if !ok || !dst.IP.Equal(mdnsGroup) || dst.Port != mdnsPort {
		t.Errorf("wrong destination: got %v want %v:%d", sent.dst, mdnsGroup, mdnsPort)
	}

	waitCounter(t, f.relayed.Load, 1)
	snap := f.Snapshot()
	if snap.Relayed != 1 || snap.Dropped != 0 || snap.Echoes != 0 {
		t.Errorf("snapshot counters: %+v", snap)
	}
	if snap.LastRelay.IsZero() {
		t.Errorf("last relay time not recorded")
	}
}

func TestEchoSuppressedWithinWindow(t *testing.T) {
	clk := clock.NewMock()
	f, physConn, guestConn := newTestForwarder(t, MDNS, time.Second, clk, nil)
	f.Start()

	// Relay phys to guest; this records the guest-side proxy address as a
	// recent send.
	physConn.in <- fakePacket{
		data: []byte("query"),
		src:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: 5353},
	}
	waitSent(t, guestConn)

	// The same datagram arriving back on the guest side, apparently from our
	// own address, is an echo and must not be relayed again.
	guestConn.in <- fakePacket{
		data: []byte("query"),
		src:  &net.UDPAddr{IP: testGuestAddr.ip, Port: 5353},
	}
	expectQuiet(t, physConn)
	waitCounter(t, f.echoes.Load, 1)

	// Past the window the entry has aged out; an identical arrival relays.
	clk.Add(2 * time.Second)
	guestConn.in <- fakePacket{
		data: []byte("query"),
		src:  &net.UDPAddr{IP: testGuestAddr.ip, Port: 5353},
	}
	sent := waitSent(t, physConn)
	if !sent.cm.Src.Equal(testPhysAddr.ip) {
		t.Errorf("source not rewritten on phys side: got %v", sent.cm.Src)
	}
}

func TestZeroWindowDisablesSuppression(t *testing.T) {
	f, physConn, guestConn := newTestForwarder(t, MDNS, 0, nil, nil)
	f.Start()

	physConn.in <- fakePacket{
		data: []byte("query"),
		src:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: 5353},
	}
	waitSent(t, guestConn)

	guestConn.in <- fakePacket{
		data: []byte("query"),
		src:  &net.UDPAddr{IP: testGuestAddr.ip, Port: 5353},
	}
	waitSent(t, physConn)
	if got := f.echoes.Load(); got != 0 {
		t.Errorf("echoes counted with suppression disabled: %d", got)
	}
}

func TestBroadcastDestination(t *testing.T) {
	f, physConn, guestConn := newTestForwarder(t, Broadcast, time.Second, nil, nil)
	f.Start()

	physConn.in <- fakePacket{
		data: []byte("netbios"),
		src:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: 137},
	}
	sent := waitSent(t, guestConn)
	dst, ok := sent.dst.(*net.UDPAddr)
	if !ok || !dst.IP.Equal(testGuestAddr.broadcast) || dst.Port != 137 {
		t.Fatalf("wrong broadcast destination: got %v want %v:137", sent.dst, testGuestAddr.broadcast)
	}
}

func TestBroadcastIgnoresUnicast(t *testing.T) {
	f, physConn, guestConn := newTestForwarder(t, Broadcast, time.Second, nil, nil)
	f.Start()

	// Unicast to the host's own address on the relayed port must not cross.
	physConn.in <- fakePacket{
		data: []byte("unicast"),
		cm:   &ipv4.ControlMessage{Dst: testPhysAddr.ip},
		src:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: 137},
	}
	expectQuiet(t, guestConn)

	physConn.in <- fakePacket{
		data: []byte("subnet"),
		cm:   &ipv4.ControlMessage{Dst: testPhysAddr.broadcast},
		src:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: 137},
	}
	if sent := waitSent(t, guestConn); string(sent.data) != "subnet" {
		t.Fatalf("subnet broadcast not relayed: %q", sent.data)
	}

	physConn.in <- fakePacket{
		data: []byte("limited"),
		cm:   &ipv4.ControlMessage{Dst: net.IPv4bcast},
		src:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 41), Port: 137},
	}
	if sent := waitSent(t, guestConn); string(sent.data) != "limited" {
		t.Fatalf("limited broadcast not relayed: %q", sent.data)
	}
}

func TestTransientReadErrorKeepsRelaying(t *testing.T) {
	f, physConn, guestConn := newTestForwarder(t, SSDP, time.Second, nil, nil)
	f.Start()

	physConn.in <- fakePacket{err: errors.New("resource temporarily unavailable")}
	physConn.in <- fakePacket{
		data: []byte("M-SEARCH"),
		src:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: 1900},
	}
	sent := waitSent(t, guestConn)
	if string(sent.data) != "M-SEARCH" {
		t.Fatalf("unexpected relay payload %q", sent.data)
	}
}

func TestWriteErrorCountsDrop(t *testing.T) {
	f, physConn, guestConn := newTestForwarder(t, MDNS, time.Second, nil, nil)
	guestConn.setWriteErr(errors.New("no buffer space available"))
	f.Start()

	physConn.in <- fakePacket{
		data: []byte("one"),
		src:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: 5353},
	}
	waitCounter(t, f.dropped.Load, 1)

	guestConn.setWriteErr(nil)
	physConn.in <- fakePacket{
		data: []byte("two"),
		src:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 41), Port: 5353},
	}
	sent := waitSent(t, guestConn)
	if string(sent.data) != "two" {
		t.Fatalf("unexpected relay payload %q", sent.data)
	}
}

func TestPermanentErrorReportsInterfaceLoss(t *testing.T) {
	lost := make(chan string, 1)
	f, physConn, _ := newTestForwarder(t, MDNS, time.Second, nil, func(iface string, err error) {
		if !errors.Is(err, unix.ENETDOWN) {
			t.Errorf("unexpected error reported: %v", err)
		}
		lost <- iface
	})
	f.Start()

	physConn.in <- fakePacket{err: unix.ENETDOWN}
	select {
	case iface := <-lost:
		if iface != testPhysAddr.name {
			t.Fatalf("wrong interface reported: %s", iface)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("interface loss not reported")
	}
}

func TestCloseIdempotent(t *testing.T) {
	f, physConn, guestConn := newTestForwarder(t, MDNS, time.Second, nil, nil)
	f.Start()

	if err := f.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// Both relay loops must observe the closed sockets and stop consuming.
	select {
	case <-physConn.done:
	default:
		t.Fatalf("phys socket not closed")
	}
	select {
	case <-guestConn.done:
	default:
		t.Fatalf("guest socket not closed")
	}
}
