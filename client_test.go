package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// startEchoService runs a tiny local "service" that echoes back whatever
// it reads, standing in for the real local service a Client forwards to.
func startEchoService(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local service: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 256)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestClientOpensSessionAndRelaysDataChannel(t *testing.T) {
	localAddr := startEchoService(t)

	fakeServer, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen fake server: %v", err)
	}
	defer fakeServer.Close()

	client := NewClient(ClientConfig{
		ProfileID:      "test-profile",
		ServerAddr:     fakeServer.Addr().String(),
		LocalAddr:      localAddr,
		ReconnectDelay: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Shutdown()

	control, err := fakeServer.Accept()
	if err != nil {
		t.Fatalf("accept control conn: %v", err)
	}
	defer control.Close()

	msg, err := ReadOpeningMessage(control)
	if err != nil {
		t.Fatalf("read open-session request: %v", err)
	}
	wantHash := HashID("test-profile")
	if msg.Kind != KindOpenSessionRequest || msg.Hash != wantHash {
		t.Fatalf("open-session request = %+v, want kind OpenSessionRequest hash %v", msg, wantHash)
	}
	if err := WriteMessage(control, Ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	if err := WriteMessage(control, ForwardConnection); err != nil {
		t.Fatalf("push forward-connection: %v", err)
	}

	dataConn, err := fakeServer.Accept()
	if err != nil {
		t.Fatalf("accept data channel conn: %v", err)
	}
	defer dataConn.Close()

	msg, err = ReadOpeningMessage(dataConn)
	if err != nil {
		t.Fatalf("read open-channel request: %v", err)
	}
	if msg.Kind != KindOpenChannelRequest || msg.Hash != wantHash {
		t.Fatalf("open-channel request = %+v, want kind OpenChannelRequest hash %v", msg, wantHash)
	}
	if err := WriteMessage(dataConn, Ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	if _, err := dataConn.Write([]byte("ping")); err != nil {
		t.Fatalf("write to data channel: %v", err)
	}
	buf := make([]byte, 4)
	dataConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(dataConn, buf); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echoed payload = %q, want %q", buf, "ping")
	}
}

func TestClientToleratesHeartbeats(t *testing.T) {
	localAddr := startEchoService(t)

	fakeServer, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen fake server: %v", err)
	}
	defer fakeServer.Close()

	client := NewClient(ClientConfig{
		ProfileID:      "heartbeat-profile",
		ServerAddr:     fakeServer.Addr().String(),
		LocalAddr:      localAddr,
		ReconnectDelay: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Shutdown()

	control, err := fakeServer.Accept()
	if err != nil {
		t.Fatalf("accept control conn: %v", err)
	}
	defer control.Close()

	if _, err := ReadOpeningMessage(control); err != nil {
		t.Fatalf("read open-session request: %v", err)
	}
	if err := WriteMessage(control, Ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := WriteMessage(control, Heartbeat); err != nil {
			t.Fatalf("write heartbeat: %v", err)
		}
	}

	// The control connection should stay open; a heartbeat must never
	// be treated as a protocol error.
	if err := WriteMessage(control, ForwardConnection); err != nil {
		t.Fatalf("control connection closed after heartbeats: %v", err)
	}
	if _, err := fakeServer.Accept(); err != nil {
		t.Fatalf("client did not open a data channel after the forward push: %v", err)
	}
}
