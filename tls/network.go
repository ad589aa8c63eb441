// Package tls provisions a locally trusted certificate for the control
// server so browser clients on HTTPS pages can reach it.
package tls

import (
	"net"
)

// LANIPs returns the IPv4 addresses of the interfaces that are up, loopback
// excluded.
func LANIPs() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ip := addrIP(addr); ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}

func addrIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}

// CertificateHosts returns the names the server certificate must cover.
// Loopback names are always present.
func CertificateHosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	ips, err := LANIPs()
	return append(hosts, ips...), err
}
