// Package forwarder relays discovery datagrams between one physical
// interface and the guest interface for a single protocol class. A forwarder
// owns exactly one socket pair; the proxy coordinator owns the forwarder.
package forwarder

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"dfp/internal/logging"
)

// maxDatagram covers jumbo-frame payloads; discovery datagrams are far
// smaller in practice.
const maxDatagram = 9000

type Options struct {
	// BroadcastPort is the relayed port for the broadcast class; ignored for
	// the multicast classes, which use their well-known ports.
	BroadcastPort int

	// SuppressionWindow bounds the age of loop-suppression entries. Zero
	// disables echo suppression.
	SuppressionWindow time.Duration

	// Clock defaults to the wall clock; tests inject a mock.
	Clock clock.Clock

	Logger *logging.Logger

	// OnPermanentError is invoked (from a relay goroutine) when a socket
	// failure indicates the interface itself is gone. The coordinator treats
	// it as an implicit interface-removed event.
	OnPermanentError func(iface string, err error)
}

type Forwarder struct {
	proto       Protocol
	phys        string
	guest       string
	bcastPort   int
	pair        *SocketPair
	seen        *Record
	clk         clock.Clock
	log         *logging.Logger
	onPermanent func(string, error)

	relayed atomic.Uint64
	dropped atomic.Uint64
	echoes  atomic.Uint64

	mu        sync.Mutex
	closed    bool
	lastRelay time.Time
}

// New constructs the socket pair for (phys, proto) against the guest
// interface. Any bind, join, or address-resolution failure surfaces here and
// no forwarder is created.
func New(proto Protocol, phys, guest string, opts Options) (*Forwarder, error) {
	pair, err := newSocketPair(proto, phys, guest, opts.BroadcastPort)
	if err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = logging.New(logging.LevelInfo, nil)
	}
	return &Forwarder{
		proto:       proto,
		phys:        phys,
		guest:       guest,
		bcastPort:   opts.BroadcastPort,
		pair:        pair,
		seen:        NewRecord(opts.SuppressionWindow, clk),
		clk:         clk,
		log:         log.With("protocol", proto.String(), "interface", phys),
		onPermanent: opts.OnPermanentError,
	}, nil
}

// Start launches the two relay tasks, one per socket side. Each task reads
// from its own socket and writes only to the opposite one.
func (f *Forwarder) Start() {
	go f.relayLoop(f.pair.phys, f.pair.guest)
	go f.relayLoop(f.pair.guest, f.pair.phys)
}

// Close shuts both sockets down synchronously and is safe to call more than
// once. The relay tasks observe the closed sockets and retire on their own.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	return f.pair.Close()
}

func (f *Forwarder) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// relayLoop performs the relay step of one direction until the socket pair
// is torn down.
func (f *Forwarder) relayLoop(from, to *endpoint) {
	buf := make([]byte, maxDatagram)
	for {
		n, cm, src, err := from.conn.ReadFrom(buf)
		if err != nil {
			if f.handleIOError("read", from, err) {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}
		srcUDP, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		// The broadcast socket's wildcard bind also sees unicast to the
		// host; only datagrams actually sent to a broadcast address are
		// relayed.
		if f.proto == Broadcast && !broadcastDst(cm, from.addr.broadcast) {
			f.log.Debug("unicast on broadcast socket ignored", "source", srcUDP.IP.String(), "from", from.addr.name)
			continue
		}

		// Echo of our own relay bounced back by the network.
		if f.seen.Echo(srcUDP.IP) {
			f.echoes.Add(1)
			f.log.Debug("echo suppressed", "source", srcUDP.IP.String(), "from", from.addr.name)
			continue
		}

		// Rewrite the apparent source to our address on the destination
		// interface so replies route back through the proxy, and remember it
		// for echo detection.
		f.seen.Note(to.addr.ip)
		wcm := &ipv4.ControlMessage{IfIndex: to.addr.index, Src: to.addr.ip}
		if _, err := to.conn.WriteTo(buf[:n], wcm, f.destFor(to)); err != nil {
			f.dropped.Add(1)
			if f.handleIOError("write", to, err) {
				return
			}
			continue
		}

		f.relayed.Add(1)
		f.mu.Lock()
		f.lastRelay = f.clk.Now()
		f.mu.Unlock()
	}
}

// broadcastDst reports whether the datagram was sent to the limited or the
// arrival subnet's broadcast address. Without destination information the
// datagram is assumed broadcast rather than dropped.
func broadcastDst(cm *ipv4.ControlMessage, subnetBroadcast net.IP) bool {
	if cm == nil || cm.Dst == nil {
		return true
	}
	dst := cm.Dst.To4()
	if dst == nil {
		return false
	}
	return dst.Equal(net.IPv4bcast) || dst.Equal(subnetBroadcast)
}

// destFor picks the relay destination on the outgoing side: the protocol's
// multicast group, or the destination interface's subnet broadcast address.
func (f *Forwarder) destFor(to *endpoint) *net.UDPAddr {
	if f.proto == Broadcast {
		return &net.UDPAddr{IP: to.addr.broadcast, Port: f.bcastPort}
	}
	return &net.UDPAddr{IP: f.proto.Group(), Port: f.proto.Port()}
}

// handleIOError classifies a relay I/O failure. It returns true when the
// loop must stop: either the forwarder was torn down, or the interface is
// gone and the coordinator has been told to remove it.
func (f *Forwarder) handleIOError(op string, ep *endpoint, err error) bool {
	if f.isClosed() || errors.Is(err, net.ErrClosed) {
		return true
	}
	if interfaceGone(err) {
		f.log.Warn("socket broken, reporting interface loss", "op", op, "side", ep.addr.name, "err", err)
		if f.onPermanent != nil {
			f.onPermanent(f.phys, err)
		}
		return true
	}
	// Transient: drop this datagram and keep the forwarder.
	f.log.Debug("relay io error", "op", op, "side", ep.addr.name, "err", err)
	return false
}

// interfaceGone reports whether the error means the underlying interface
// disappeared or lost its link, as opposed to a per-datagram failure.
func interfaceGone(err error) bool {
	return errors.Is(err, unix.ENETDOWN) ||
		errors.Is(err, unix.ENODEV) ||
		errors.Is(err, unix.ENXIO) ||
		errors.Is(err, unix.EADDRNOTAVAIL)
}

type Snapshot struct {
	Interface string    `json:"interface"`
	Guest     string    `json:"guest"`
	Protocol  string    `json:"protocol"`
	Relayed   uint64    `json:"relayed"`
	Dropped   uint64    `json:"dropped"`
	Echoes    uint64    `json:"echoes"`
	LastRelay time.Time `json:"lastRelay,omitzero"`
}

func (f *Forwarder) Snapshot() Snapshot {
	f.mu.Lock()
	last := f.lastRelay
	f.mu.Unlock()
	return Snapshot{
		Interface: f.phys,
		Guest:     f.guest,
		Protocol:  f.proto.String(),
		Relayed:   f.relayed.Load(),
		Dropped:   f.dropped.Load(),
		Echoes:    f.echoes.Load(),
		LastRelay: last,
	}
}
