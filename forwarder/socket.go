package forwarder

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// packetConn is the slice of *ipv4.PacketConn the relay loop needs; tests
// substitute in-memory implementations.
type packetConn interface {
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error)
	Close() error
}

// endpoint is one side of a forwarding socket pair: a socket confined to a
// single interface plus that interface's resolved addresses.
type endpoint struct {
	conn packetConn
	addr *ifaceAddr
}

// SocketPair owns the two sockets of one forwarder: one bound to the physical
// interface and one bound to the guest interface. Both are confined to their
// interface with SO_BINDTODEVICE, so each side only ever sees its own
// network's traffic.
type SocketPair struct {
	phys  *endpoint
	guest *endpoint
}

func newSocketPair(proto Protocol, physName, guestName string, bcastPort int) (*SocketPair, error) {
	physAddr, err := resolveInterface(physName)
	if err != nil {
		return nil, err
	}
	guestAddr, err := resolveInterface(guestName)
	if err != nil {
		return nil, err
	}

	open := func(addr *ifaceAddr) (packetConn, error) {
		if proto == Broadcast {
			return openBroadcast(addr, bcastPort)
		}
		return openMulticast(addr, proto.Group(), proto.Port())
	}

	physConn, err := open(physAddr)
	if err != nil {
		return nil, fmt.Errorf("%s socket on %s: %w", proto, physName, err)
	}
	guestConn, err := open(guestAddr)
	if err != nil {
		physConn.Close()
		return nil, fmt.Errorf("%s socket on %s: %w", proto, guestName, err)
	}

	return &SocketPair{
		phys:  &endpoint{conn: physConn, addr: physAddr},
		guest: &endpoint{conn: guestConn, addr: guestAddr},
	}, nil
}

func (sp *SocketPair) Close() error {
	err := sp.phys.conn.Close()
	if cerr := sp.guest.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// openMulticast binds group:port on the given interface and joins the group
// there. Multicast loopback is turned off so the kernel does not feed our own
// sends straight back; the suppression record guards against echoes the
// network itself reflects.
func openMulticast(addr *ifaceAddr, group net.IP, port int) (packetConn, error) {
	lc := net.ListenConfig{Control: controlFor(addr.name, false)}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", group, port))
	if err != nil {
		return nil, err
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("disable multicast loopback: %w", err)
	}
	iface := &net.Interface{Index: addr.index, Name: addr.name}
	if err := p.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join %s on %s: %w", group, addr.name, err)
	}
	if err := p.SetMulticastInterface(iface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast interface %s: %w", addr.name, err)
	}
	return p, nil
}

// openBroadcast binds the port on the given interface with broadcast
// permission; no group membership is involved. The wildcard bind also
// accepts unicast to the host on that port, so destination reporting is
// enabled and the relay loop discards anything not sent to a broadcast
// address.
func openBroadcast(addr *ifaceAddr, port int) (packetConn, error) {
	lc := net.ListenConfig{Control: controlFor(addr.name, true)}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetControlMessage(ipv4.FlagDst, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable destination reporting: %w", err)
	}
	return p, nil
}

// controlFor sets the socket options every pair member needs before bind:
// SO_REUSEADDR (mDNS/SSDP ports are shared with local resolvers),
// SO_BINDTODEVICE to confine the socket to one interface, and SO_BROADCAST
// for the broadcast class.
func controlFor(ifname string, broadcast bool) func(network, address string, raw syscall.RawConn) error {
	return func(_, _ string, raw syscall.RawConn) error {
		var ctrlErr error
		err := raw.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				ctrlErr = fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
				return
			}
			if err := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname); err != nil {
				ctrlErr = fmt.Errorf("bind to device %s: %w", ifname, err)
				return
			}
			if broadcast {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
					ctrlErr = fmt.Errorf("setsockopt SO_BROADCAST: %w", err)
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}
