package netutil

import (
	"fmt"
	"net"
)

// ListenWithFallback listens on the preferred port, falling back to a random
// free port when it is taken. It returns the listener and the port in use.
func ListenWithFallback(preferredPort string) (net.Listener, int, error) {
	lis, err := net.Listen("tcp", ":"+preferredPort)
	if err == nil {
		return lis, lis.Addr().(*net.TCPAddr).Port, nil
	}

	lis, fbErr := net.Listen("tcp", ":0")
	if fbErr != nil {
		return nil, 0, fmt.Errorf("listen on %s (%v) and on a random port: %w", preferredPort, err, fbErr)
	}
	return lis, lis.Addr().(*net.TCPAddr).Port, nil
}
