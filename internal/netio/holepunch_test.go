package netio

import (
	"net"
	"testing"
	"time"
)

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return conn
}

func TestHolePunchSucceedsBothSides(t *testing.T) {
	connA := mustListenUDP(t)
	defer connA.Close()
	connB := mustListenUDP(t)
	defer connB.Close()

	addrA := connA.LocalAddr().(*net.UDPAddr)
	addrB := connB.LocalAddr().(*net.UDPAddr)

	puncherA := NewHolePuncherWithTiming(connA, addrB, 0x1, 5*time.Millisecond, 2*time.Second)
	puncherB := NewHolePuncherWithTiming(connB, addrA, 0x2, 5*time.Millisecond, 2*time.Second)

	resultCh := make(chan HolePunchResult, 2)
	go func() { resultCh <- puncherA.Punch() }()
	go func() { resultCh <- puncherB.Punch() }()

	for i := 0; i < 2; i++ {
		select {
		case r := <-resultCh:
			if !r.Success {
				t.Fatalf("hole punch failed, elapsed=%s", r.Elapsed)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for hole punch result")
		}
	}
}

func TestHolePunchTimesOutWithNoPeer(t *testing.T) {
	conn := mustListenUDP(t)
	defer conn.Close()

	unreachable := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} // nothing listens here
	puncher := NewHolePuncherWithTiming(conn, unreachable, 0x1, 5*time.Millisecond, 50*time.Millisecond)

	result := puncher.Punch()
	if result.Success {
		t.Fatal("expected hole punch to time out, but it succeeded")
	}
}
