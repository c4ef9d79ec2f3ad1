package deployment

import (
	"net"
	"testing"
)

func TestFindAvailableHostPortInRange(t *testing.T) {
	for i := 0; i < 20; i++ {
		port, err := FindAvailableHostPort()
		if err != nil {
			t.Fatalf("FindAvailableHostPort() error = %v", err)
		}
		if port < minHostPort || port > maxHostPort {
			t.Fatalf("port %d out of range [%d, %d]", port, minHostPort, maxHostPort)
		}
	}
}

func TestFindAvailableHostPortSkipsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Skipf("cannot bind a test listener: %v", err)
	}
	defer ln.Close()
	bound := ln.Addr().(*net.TCPAddr).Port

	for i := 0; i < 50; i++ {
		port, err := FindAvailableHostPort()
		if err != nil {
			t.Fatalf("FindAvailableHostPort() error = %v", err)
		}
		if port == bound {
			t.Fatalf("FindAvailableHostPort() returned a port bound on 0.0.0.0")
		}
	}
}
