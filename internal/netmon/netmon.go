// Package netmon watches kernel link state over rtnetlink and turns it into
// interface-lifecycle events for the proxy coordinator. An interface counts
// as present once it is up and running; it stops counting when it goes down
// or is deleted. Events for the same interface are emitted in kernel order.
package netmon

import (
	"context"
	"encoding/binary"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"dfp/internal/logging"
	"dfp/proxy"
)

type Monitor struct {
	guest string
	log   *logging.Logger
	fd    int

	events chan proxy.Event

	// present tracks which interfaces we last reported as added, so flag
	// churn does not produce duplicate events.
	present map[string]bool
}

// New opens an rtnetlink socket subscribed to link notifications.
func New(guest string, log *logging.Logger) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: unix.RTMGRP_LINK}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	return &Monitor{
		guest:   guest,
		log:     log,
		fd:      fd,
		events:  make(chan proxy.Event, 16),
		present: make(map[string]bool),
	}, nil
}

// Events delivers the lifecycle stream; closed when Run returns.
func (m *Monitor) Events() <-chan proxy.Event {
	return m.events
}

// Run requests a dump of the links that already exist, then reads link
// notifications until the context is cancelled. It owns the socket and the
// events channel.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.events)

	if err := m.requestLinkDump(); err != nil {
		m.log.Warn("initial link dump request failed", "err", err)
	}

	go func() {
		<-ctx.Done()
		unix.Close(m.fd)
	}()

	buf := make([]byte, 65536)
	for {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == unix.EINTR || err == unix.ENOBUFS {
				continue
			}
			return fmt.Errorf("netlink recv: %w", err)
		}
		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			m.log.Warn("malformed netlink batch", "err", err)
			continue
		}
		for _, msg := range msgs {
			m.handleMessage(msg)
		}
	}
}

// requestLinkDump asks the kernel to replay the current link table, so
// interfaces that were already up before the daemon started are reported
// without waiting for their state to change.
func (m *Monitor) requestLinkDump() error {
	req := make([]byte, syscall.NLMSG_HDRLEN+syscall.SizeofIfInfomsg)
	binary.NativeEndian.PutUint32(req[0:4], uint32(len(req)))
	binary.NativeEndian.PutUint16(req[4:6], unix.RTM_GETLINK)
	binary.NativeEndian.PutUint16(req[6:8], unix.NLM_F_REQUEST|unix.NLM_F_DUMP)
	binary.NativeEndian.PutUint32(req[8:12], 1)
	// pid and the AF_UNSPEC ifinfomsg stay zero.
	return unix.Sendto(m.fd, req, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

func (m *Monitor) handleMessage(msg syscall.NetlinkMessage) {
	if msg.Header.Type != unix.RTM_NEWLINK && msg.Header.Type != unix.RTM_DELLINK {
		return
	}
	if len(msg.Data) < syscall.SizeofIfInfomsg {
		return
	}
	ifi := (*syscall.IfInfomsg)(unsafe.Pointer(&msg.Data[0]))
	attrs, err := syscall.ParseNetlinkRouteAttr(&msg)
	if err != nil {
		m.log.Warn("malformed link message", "err", err)
		return
	}
	name := ""
	for _, attr := range attrs {
		if attr.Attr.Type == unix.IFLA_IFNAME {
			name = attrString(attr.Value)
			break
		}
	}
	if name == "" {
		return
	}

	ev, ok := m.linkEvent(msg.Header.Type, name, ifi.Flags)
	if !ok {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.log.Warn("event channel full, notification dropped", "interface", ev.Name)
	}
}

// linkEvent translates one link message into at most one lifecycle event,
// deduplicating against the last reported state.
func (m *Monitor) linkEvent(msgType uint16, name string, flags uint32) (proxy.Event, bool) {
	if flags&unix.IFF_LOOPBACK != 0 {
		return proxy.Event{}, false
	}
	role := proxy.RolePhysical
	if name == m.guest {
		role = proxy.RoleGuest
	}

	up := msgType == unix.RTM_NEWLINK &&
		flags&unix.IFF_UP != 0 && flags&unix.IFF_RUNNING != 0
	if up == m.present[name] {
		return proxy.Event{}, false
	}
	if up {
		m.present[name] = true
		return proxy.Event{Kind: proxy.InterfaceAdded, Name: name, Role: role}, true
	}
	delete(m.present, name)
	return proxy.Event{Kind: proxy.InterfaceRemoved, Name: name, Role: role}, true
}

func attrString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
