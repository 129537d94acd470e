package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/axonhq/axon/internal/sandbox/protocol"
)

// startFakeGuest wires a client to an in-process guest loop over net.Pipe.
// The handler runs once per request; returning nil swallows the request.
func startFakeGuest(t *testing.T, handler func(req *protocol.Request) *protocol.Response) *VsockClient {
	t.Helper()

	host, guest := net.Pipe()
	go serveGuest(guest, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, host, protocol.GuestPort)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func serveGuest(conn net.Conn, handler func(req *protocol.Request) *protocol.Response) {
	defer conn.Close()

	if !guestHandshake(conn) {
		return
	}
	for {
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		resp := handler(&req)
		if resp == nil {
			continue
		}
		resp.ID = req.ID
		out, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if err := protocol.WriteFrame(conn, out); err != nil {
			return
		}
	}
}

// guestHandshake consumes "CONNECT <port>\n" and answers "OK <port>\n",
// reading byte-wise so no framed bytes are swallowed.
func guestHandshake(conn net.Conn) bool {
	var line []byte
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return false
		}
		if buf[0] == '\n' {
			break
		}
		line = append(line, buf[0])
	}
	port, ok := strings.CutPrefix(string(line), "CONNECT ")
	if !ok {
		return false
	}
	_, err := fmt.Fprintf(conn, "OK %s\n", port)
	return err == nil
}

func TestClientPingRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var seen []protocol.RequestType
	client := startFakeGuest(t, func(req *protocol.Request) *protocol.Response {
		mu.Lock()
		seen = append(seen, req.Type)
		mu.Unlock()
		return &protocol.Response{Success: true, Pong: true, ExecCount: 3}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Ping(ctx)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !resp.Pong || resp.ExecCount != 3 {
		t.Errorf("resp = %+v", resp)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != protocol.TypePing {
		t.Errorf("guest saw %v, want one ping", seen)
	}
}

func TestClientAssignsSequentialIDs(t *testing.T) {
	var mu sync.Mutex
	var ids []uint64
	client := startFakeGuest(t, func(req *protocol.Request) *protocol.Response {
		mu.Lock()
		ids = append(ids, req.ID)
		mu.Unlock()
		return &protocol.Response{Success: true}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if _, err := client.Call(ctx, &protocol.Request{Type: protocol.TypeGetState}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Errorf("ids = %v, want [1 2 3]", ids)
	}
}

func TestClientHandshakeRejected(t *testing.T) {
	host, guest := net.Pipe()
	go func() {
		defer guest.Close()
		buf := make([]byte, 64)
		guest.Read(buf)
		guest.Write([]byte("NOPE\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewClient(ctx, host, protocol.GuestPort)
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if !strings.Contains(err.Error(), "handshake failed") {
		t.Errorf("err = %v", err)
	}
	host.Close()
}

func TestClientCorrelatesOutOfOrderResponses(t *testing.T) {
	host, guest := net.Pipe()
	go func() {
		defer guest.Close()
		if !guestHandshake(guest) {
			return
		}
		var reqs []protocol.Request
		for len(reqs) < 2 {
			payload, err := protocol.ReadFrame(guest)
			if err != nil {
				return
			}
			var req protocol.Request
			if err := json.Unmarshal(payload, &req); err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		// Answer in reverse arrival order.
		for i := len(reqs) - 1; i >= 0; i-- {
			resp := protocol.Response{ID: reqs[i].ID, Success: true, Output: reqs[i].Code}
			out, _ := json.Marshal(resp)
			if err := protocol.WriteFrame(guest, out); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, host, protocol.GuestPort)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	defer client.Close()

	codes := []string{"first", "second"}
	results := make([]string, len(codes))
	errs := make([]error, len(codes))
	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			resp, err := client.Call(cctx, &protocol.Request{Type: protocol.TypePython, Code: code})
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = resp.Output
		}(i, code)
	}
	wg.Wait()

	for i, code := range codes {
		if errs[i] != nil {
			t.Fatalf("call %q: %v", code, errs[i])
		}
		if results[i] != code {
			t.Errorf("call %q got response %q", code, results[i])
		}
	}
}

func TestClientCallTimeout(t *testing.T) {
	client := startFakeGuest(t, func(req *protocol.Request) *protocol.Response {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, &protocol.Request{Type: protocol.TypePing})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestClientFailsOnConnectionLoss(t *testing.T) {
	host, guest := net.Pipe()
	go func() {
		if !guestHandshake(guest) {
			return
		}
		// Accept one frame, then drop the connection mid-call.
		protocol.ReadFrame(guest)
		guest.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, host, protocol.GuestPort)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}

	if _, err := client.Call(ctx, &protocol.Request{Type: protocol.TypePing}); err == nil {
		t.Fatal("expected error after connection loss")
	}
	if client.Err() == nil {
		t.Error("client should be poisoned")
	}

	// Later calls fail fast without touching the dead connection.
	if _, err := client.Call(context.Background(), &protocol.Request{Type: protocol.TypePing}); err == nil {
		t.Fatal("expected error from poisoned client")
	}
}

func TestClientPingNotAcknowledged(t *testing.T) {
	client := startFakeGuest(t, func(req *protocol.Request) *protocol.Response {
		return &protocol.Response{Success: true}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx); err == nil {
		t.Fatal("expected error for pong-less response")
	}
}

func TestDialGuestOverUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vsock_52.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serveGuest(conn, func(req *protocol.Request) *protocol.Response {
			return &protocol.Response{Success: true, Pong: true, ExecCount: 1}
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialGuest(ctx, path, protocol.GuestPort)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	resp, err := client.Ping(ctx)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !resp.Pong {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDialGuestMissingSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.sock")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := DialGuest(ctx, path, protocol.GuestPort); err == nil {
		t.Fatal("expected error for missing socket")
	}
}
