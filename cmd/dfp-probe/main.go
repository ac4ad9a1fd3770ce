// dfp-probe checks what discovery traffic is actually reachable from a given
// interface: it browses mDNS services and issues an SSDP search, printing
// every responder. Run it inside the guest network to verify the proxy's
// relay path end to end.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/koron/go-ssdp"
)

func main() {
	var (
		ifaceName = flag.String("iface", "", "Interface to probe from (default: kernel routing choice)")
		service   = flag.String("service", "_services._dns-sd._udp", "mDNS service to browse")
		domain    = flag.String("domain", "local", "mDNS domain")
		wait      = flag.Duration("wait", 3*time.Second, "How long to collect responses")
		skipMDNS  = flag.Bool("no-mdns", false, "Skip the mDNS browse")
		skipSSDP  = flag.Bool("no-ssdp", false, "Skip the SSDP search")
	)
	flag.Parse()

	var iface *net.Interface
	if *ifaceName != "" {
		var err error
		iface, err = net.InterfaceByName(*ifaceName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "interface %s: %v\n", *ifaceName, err)
			os.Exit(1)
		}
	}

	failed := false
	if !*skipMDNS {
		if err := probeMDNS(iface, *service, *domain, *wait); err != nil {
			fmt.Fprintf(os.Stderr, "mdns: %v\n", err)
			failed = true
		}
	}
	if !*skipSSDP {
		if err := probeSSDP(iface, *wait); err != nil {
			fmt.Fprintf(os.Stderr, "ssdp: %v\n", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func probeMDNS(iface *net.Interface, service, domain string, wait time.Duration) error {
	fmt.Printf("browsing %s.%s ...\n", service, domain)

	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	count := 0
	go func() {
		defer close(done)
		for entry := range entries {
			count++
			fmt.Printf("  mdns  %-40s %s:%d\n", entry.Name, entry.AddrV4, entry.Port)
		}
	}()

	params := &mdns.QueryParam{
		Service:     service,
		Domain:      domain,
		Timeout:     wait,
		Interface:   iface,
		Entries:     entries,
		DisableIPv6: true,
	}
	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return err
	}
	fmt.Printf("%d mDNS responders\n", count)
	return nil
}

func probeSSDP(iface *net.Interface, wait time.Duration) error {
	fmt.Println("searching ssdp:all ...")

	localAddr := ""
	if iface != nil {
		addrs, err := iface.Addrs()
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				localAddr = ipnet.IP.String()
				break
			}
		}
	}

	services, err := ssdp.Search(ssdp.All, int(wait.Seconds()), localAddr)
	if err != nil {
		return err
	}
	for _, svc := range services {
		fmt.Printf("  ssdp  %-40s %s\n", svc.Type, svc.Location)
	}
	fmt.Printf("%d SSDP responders\n", len(services))
	return nil
}
