package firecracker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axonhq/axon/internal/sandbox/protocol"
)

// handshakeTimeout bounds the CONNECT/OK exchange when the caller's context
// carries no deadline.
const handshakeTimeout = 10 * time.Second

// VsockClient multiplexes framed requests over one host-side vsock
// connection. Responses are matched to callers by the id echoed by the
// guest, so calls may overlap. A read or decode failure poisons the client;
// the owning VM is then treated as dead and replaced by the pool.
type VsockClient struct {
	conn net.Conn
	br   *bufio.Reader

	// wmu serializes frame writes.
	wmu sync.Mutex

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *protocol.Response
	closed  bool
	err     error

	done chan struct{}
}

// DialGuest connects to a VM's host-side vsock UNIX socket and performs the
// Firecracker handshake for the given guest port.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*VsockClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(ctx, conn, port)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// NewClient performs the handshake on an established connection and starts
// the response reader. Firecracker expects the ASCII line "CONNECT <port>\n"
// and answers "OK <hostport>\n" once the guest accepts the connection.
func NewClient(ctx context.Context, conn net.Conn, port uint32) (*VsockClient, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(handshakeTimeout))
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return nil, fmt.Errorf("vsock handshake write: %w", err)
	}
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("vsock handshake read: %w", err)
	}
	if !strings.HasPrefix(line, "OK") {
		return nil, fmt.Errorf("vsock handshake failed: %q", strings.TrimSpace(line))
	}
	conn.SetDeadline(time.Time{})

	c := &VsockClient{
		conn:    conn,
		br:      br,
		pending: make(map[uint64]chan *protocol.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends one request and waits for the matching response. The request id
// is assigned here; callers must not set it.
func (c *VsockClient) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	req.ID = c.nextID.Add(1)

	respCh := make(chan *protocol.Response, 1)
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.ID] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.wmu.Lock()
	err = protocol.WriteFrame(c.conn, payload)
	c.wmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("vsock write: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-c.done:
		// The response may have been dispatched just before the
		// connection died.
		select {
		case resp := <-respCh:
			return resp, nil
		default:
		}
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping checks guest agent liveness.
func (c *VsockClient) Ping(ctx context.Context) (*protocol.Response, error) {
	resp, err := c.Call(ctx, &protocol.Request{Type: protocol.TypePing})
	if err != nil {
		return nil, err
	}
	if !resp.Pong {
		return nil, fmt.Errorf("guest agent did not acknowledge ping")
	}
	return resp, nil
}

// Err returns the error that poisoned the client, if any.
func (c *VsockClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down. In-flight calls fail.
func (c *VsockClient) Close() error {
	c.fail(net.ErrClosed)
	return nil
}

func (c *VsockClient) readLoop() {
	for {
		payload, err := protocol.ReadFrame(c.br)
		if err != nil {
			c.fail(fmt.Errorf("vsock read: %w", err))
			return
		}
		var resp protocol.Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			// A malformed frame means the stream is desynchronized.
			c.fail(fmt.Errorf("vsock decode: %w", err))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *VsockClient) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.mu.Unlock()

	c.conn.Close()
	close(c.done)
}
