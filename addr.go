package jsinspect

import "net"

// splitAddr returns the host and port to advertise for a bound net.Addr.
// The host is the configured bind host, or the bound IP when the
// configured host is empty or a wildcard address. For a non-TCP address
// (e.g. a test double) it returns the configured host and port 0.
func splitAddr(addr net.Addr, fallbackHost string) (string, int) {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		host := fallbackHost
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = tcpAddr.IP.String()
		}
		return host, tcpAddr.Port
	}
	return fallbackHost, 0
}
