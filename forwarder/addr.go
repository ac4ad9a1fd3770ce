package forwarder

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ifaceAddr is the resolved IPv4 identity of a network interface: the address
// the proxy writes relayed datagrams from, and the subnet broadcast address
// used as the destination for the broadcast class.
type ifaceAddr struct {
	name      string
	index     int
	ip        net.IP
	broadcast net.IP
}

func resolveInterface(name string) (*ifaceAddr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("addresses for %s: %w", name, err)
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		return &ifaceAddr{
			name:      name,
			index:     iface.Index,
			ip:        ip4,
			broadcast: subnetBroadcast(ip4, ipnet.Mask),
		}, nil
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", name)
}

func subnetBroadcast(ip net.IP, mask net.IPMask) net.IP {
	if len(mask) == 16 {
		mask = mask[12:]
	}
	ipInt := binary.BigEndian.Uint32(ip.To4())
	maskInt := binary.BigEndian.Uint32(mask)
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, ipInt|^maskInt)
	return out
}
