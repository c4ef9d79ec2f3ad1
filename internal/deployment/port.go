package deployment

import (
	"fmt"
	"math/rand"
	"net"
)

const (
	minHostPort = 10000
	maxHostPort = 20000
	maxAttempts = 1000
)

// FindAvailableHostPort samples random ports in [minHostPort, maxHostPort]
// and attempts to bind 0.0.0.0:port; the first successful bind is released
// and returned (spec.md §4.5, §8 invariant 3).
func FindAvailableHostPort() (int, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port := minHostPort + rand.Intn(maxHostPort-minHostPort+1)
		ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no available host port found in [%d, %d] after %d attempts", minHostPort, maxHostPort, maxAttempts)
}
