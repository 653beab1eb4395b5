package netio

import (
	"net"
	"testing"
	"time"
)

func startTestCoordServer(t *testing.T) (*CoordServer, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close() // free the port so the server can rebind it

	srv := NewCoordServer(func(o *Options) {
		o.Port = addr.Port
		o.PSK = "testpsk"
		o.SessionTimeout = time.Minute
	})
	go func() {
		if err := srv.Start(); err != nil {
			t.Logf("coord server exited: %v", err)
		}
	}()
	time.Sleep(20 * time.Millisecond) // let the listener bind
	return srv, addr
}

func TestCoordinationFullHandshakeBothPeers(t *testing.T) {
	srv, serverAddr := startTestCoordServer(t)
	defer srv.Stop()

	connA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer connA.Close()
	connB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer connB.Close()

	clientA := NewCoordClient(connA, serverAddr, "session-1", "testpsk")
	clientB := NewCoordClient(connB, serverAddr, "session-1", "testpsk")

	type result struct {
		remote *net.UDPAddr
		err    error
	}
	resultsCh := make(chan result, 2)
	go func() { r, err := clientA.Coordinate(); resultsCh <- result{r, err} }()
	go func() { r, err := clientB.Coordinate(); resultsCh <- result{r, err} }()

	for i := 0; i < 2; i++ {
		select {
		case res := <-resultsCh:
			if res.err != nil {
				t.Fatalf("coordinate failed: %v", res.err)
			}
			if res.remote == nil {
				t.Fatal("expected a remote endpoint")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for coordination")
		}
	}
}

func TestCoordinationWrongPskFails(t *testing.T) {
	srv, serverAddr := startTestCoordServer(t)
	defer srv.Stop()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	client := NewCoordClient(conn, serverAddr, "session-2", "wrong-psk")
	_, err = client.Coordinate()
	if err == nil {
		t.Fatal("expected coordination to fail with wrong psk")
	}
}

func TestCoordinationThirdPeerRejectedSessionFull(t *testing.T) {
	srv, serverAddr := startTestCoordServer(t)
	defer srv.Stop()

	mkConn := func() *net.UDPConn {
		c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
		if err != nil {
			t.Fatal(err)
		}
		return c
	}
	connA, connB, connC := mkConn(), mkConn(), mkConn()
	defer connA.Close()
	defer connB.Close()
	defer connC.Close()

	clientA := NewCoordClient(connA, serverAddr, "session-3", "testpsk")
	clientB := NewCoordClient(connB, serverAddr, "session-3", "testpsk")
	clientC := NewCoordClient(connC, serverAddr, "session-3", "testpsk")

	go clientA.Coordinate()
	go clientB.Coordinate()

	time.Sleep(200 * time.Millisecond)

	_, err := clientC.Coordinate()
	if err == nil {
		t.Fatal("expected third peer to be rejected with session full")
	}
}
