package control

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

// fakeServer speaks just enough of the protocol to exercise Client: it
// sends a greeting, answers qmp_capabilities with an empty return, then
// hands the test a function to drive further scripted exchanges.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newFakeServer(t *testing.T) (Address, *fakeServer) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	addr := TCPAddress(ln.Addr().(*net.TCPAddr).Port)

	fs := &fakeServer{t: t}
	go func() {
		conn := <-accepted
		fs.conn = conn
		fs.r = bufio.NewReader(conn)
		conn.Write([]byte(`{"QMP":{"version":{}}}` + "\r\n"))

		line, err := fs.r.ReadBytes('\n')
		if err != nil {
			return
		}
		_ = line
		conn.Write([]byte(`{"return":{}}` + "\r\n"))
	}()

	t.Cleanup(func() { ln.Close() })
	return addr, fs
}

func (fs *fakeServer) sendEventThenReturn() {
	fs.conn.Write([]byte(`{"event":"STOP","data":{}}` + "\r\n"))
	fs.conn.Write([]byte(`{"return":{}}` + "\r\n"))
}

func (fs *fakeServer) sendError() {
	fs.conn.Write([]byte(`{"error":{"class":"GenericError","desc":"nope"}}` + "\r\n"))
}

func TestConnectHandshake(t *testing.T) {
	addr, _ := newFakeServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Connect(ctx, addr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()
}

func TestShutdownVMDiscardsEvents(t *testing.T) {
	addr, fs := newFakeServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Connect(ctx, addr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- client.ShutdownVM(ctx) }()

	// Drain the powerdown request the client just wrote, then answer with
	// an event followed by the real response.
	if _, err := fs.r.ReadBytes('\n'); err != nil {
		t.Fatalf("server read: %v", err)
	}
	fs.sendEventThenReturn()

	if err := <-done; err != nil {
		t.Fatalf("ShutdownVM: %v", err)
	}
}

func TestCommandErrorResponse(t *testing.T) {
	addr, fs := newFakeServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Connect(ctx, addr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- client.ShutdownVM(ctx) }()

	if _, err := fs.r.ReadBytes('\n'); err != nil {
		t.Fatalf("server read: %v", err)
	}
	fs.sendError()

	if err := <-done; err == nil {
		t.Fatalf("expected error response to surface as an error")
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := TCPAddress(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := Connect(ctx, addr); err == nil {
		t.Fatalf("expected Connect to fail against a closed port")
	}
}
