package forwarder

import "net"

// Protocol identifies the discovery traffic class a forwarder relays.
type Protocol int

const (
	MDNS Protocol = iota
	SSDP
	Broadcast
)

func (p Protocol) String() string {
	switch p {
	case MDNS:
		return "mdns"
	case SSDP:
		return "ssdp"
	case Broadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

var (
	// mDNS multicast group and port, RFC 6762 section 3.
	mdnsGroup = net.IPv4(224, 0, 0, 251)
	// SSDP multicast group and port used by UPnP discovery.
	ssdpGroup = net.IPv4(239, 255, 255, 250)
)

const (
	mdnsPort = 5353
	ssdpPort = 1900
)

// Group returns the multicast group for the protocol, or nil for the
// broadcast class.
func (p Protocol) Group() net.IP {
	switch p {
	case MDNS:
		return mdnsGroup
	case SSDP:
		return ssdpGroup
	default:
		return nil
	}
}

// Port returns the well-known port for the multicast classes. The broadcast
// class has no fixed port; it is configured per deployment.
func (p Protocol) Port() int {
	switch p {
	case MDNS:
		return mdnsPort
	case SSDP:
		return ssdpPort
	default:
		return 0
	}
}
