package rpc

import (
	"net"
	"time"
)

// Listen opens the daemon's request-pull listener at endpoint. An
// endpoint containing '/' or '\' is treated as a socketPath for
// listenRPC; anything else is a host:port passed to listenTCP.
func Listen(endpoint string) (net.Listener, error) {
	if looksLikeSocketPath(endpoint) {
		return listenRPC(endpoint)
	}
	return listenTCP(endpoint)
}

// Dial connects to a daemon's request-pull listener at endpoint,
// mirroring Listen's socket-path-vs-host:port disambiguation.
func Dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	if looksLikeSocketPath(endpoint) {
		return dialRPC(endpoint, timeout)
	}
	return dialTCP(endpoint, timeout)
}

func looksLikeSocketPath(endpoint string) bool {
	for _, r := range endpoint {
		if r == '/' || r == '\\' {
			return true
		}
	}
	return false
}
