// Package identity resolves the string this process writes into lease
// records as the owner.
package identity

import (
	"net"
	"os"
	"strconv"
	"strings"
)

// Resolve returns the node identity in host:port form.
//
// Order: configured, else hostname plus the port of opsAddr, else hostname
// plus the pid. The pid fallback keeps two processes on one host distinct.
func Resolve(configured, opsAddr string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	host := hostname()
	if opsAddr != "" {
		if _, port, err := net.SplitHostPort(opsAddr); err == nil && port != "" && port != "0" {
			return net.JoinHostPort(host, port)
		}
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return "localhost"
	}
	return h
}
