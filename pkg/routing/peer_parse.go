package routing

import (
	"net"
	"strconv"
	"strings"
)

func isPortNumber(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port > 0 && port < 65536
}

// NormalizePeerAddr normalizes a link address to "host:port".
// - If address is only a port number (e.g., "8080"), prepend defaultHost.
// - If address is a hostname or IP without port, append defaultPort.
func NormalizePeerAddr(addr string, defaultHost string, defaultPort int) string {
	addr = strings.TrimSpace(addr)
	port := strconv.Itoa(defaultPort)
	if addr == "" {
		return net.JoinHostPort(defaultHost, port)
	}

	if host, p, err := net.SplitHostPort(addr); err == nil {
		if host == "" {
			host = defaultHost
		}
		return net.JoinHostPort(host, p)
	}

	// Bare IPv6 literal
	if ip := net.ParseIP(strings.Trim(addr, "[]")); ip != nil {
		return net.JoinHostPort(ip.String(), port)
	}

	if isPortNumber(addr) {
		return net.JoinHostPort(defaultHost, addr)
	}

	return net.JoinHostPort(addr, port)
}

// PeerURL builds the catalog base URL for a connected group owner, e.g.
// "http://192.168.49.1:8080". A port already present in host wins.
func PeerURL(host string, port int) string {
	return "http://" + NormalizePeerAddr(host, "127.0.0.1", port)
}

// ParseStaticPeers parses the comma-separated static peer string (STATIC_PEERS).
//
// Supported formats (comma-separated):
//  1. name=host:port   -> name=name, address=host:port (e.g., "kitchen=192.168.1.20:8080")
//  2. name=host        -> address=host:defaultPort
//  3. host:port        -> name=host:port, address=host:port
//
// Duplicate names keep the first occurrence so the input order stays the
// first-seen order.
func ParseStaticPeers(s string, defaultPort int) []PeerConfig {
	out := make([]PeerConfig, 0)
	if strings.TrimSpace(s) == "" {
		return out
	}

	seen := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, addr := part, part
		if idx := strings.Index(part, "="); idx != -1 {
			name = strings.TrimSpace(part[:idx])
			addr = strings.TrimSpace(part[idx+1:])
		}
		if addr == "" {
			continue
		}
		addr = NormalizePeerAddr(addr, "127.0.0.1", defaultPort)
		if name == "" {
			name = addr
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		out = append(out, PeerConfig{
			Name:    name,
			Address: addr,
		})
	}

	return out
}
