package server

import (
	"net"
	"strconv"
)

// HostPort splits addr into host and numeric port. Addresses without a
// port return the whole string as host and port 0.
func HostPort(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
