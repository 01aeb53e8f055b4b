package util

import (
	"net"
	"strconv"
)

// JoinHostPort joins a host and numeric port into a network address.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
