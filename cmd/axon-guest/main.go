//go:build linux

// Command axon-guest runs as init inside each interpreter microVM. It
// serves framed requests from the host over vsock: Python cells against
// a persistent interpreter, bash commands, file transfer, and package
// installs. On shutdown it syncs disks and powers the VM off.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/axonhq/axon/internal/sandbox/protocol"
)

const (
	// idleTimeout powers the VM off when no request arrives for this
	// long, so VMs that lost their host do not run forever.
	idleTimeout = time.Hour

	idleCheckInterval = time.Minute

	// drainWait bounds how long shutdown waits for in-flight requests.
	drainWait = 5 * time.Second
)

type agent struct {
	interp *interpreter

	ln net.Listener
	wg sync.WaitGroup

	lastActivity atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
}

func main() {
	a := &agent{
		interp:  newInterpreter(),
		stopped: make(chan struct{}),
	}
	a.touch()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		fmt.Println("received shutdown signal")
		a.stop()
	}()

	if err := a.interp.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "python driver not started: %v\n", err)
	}

	ln, err := listenGuest(protocol.GuestPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen failed: %v\n", err)
		os.Exit(1)
	}
	a.ln = ln
	fmt.Printf("guest agent listening on vsock port %d\n", protocol.GuestPort)

	go a.idleWatch()

	a.acceptLoop()

	a.drain()
	a.interp.Close()

	fmt.Println("powering off")
	syscall.Sync()
	if err := syscall.Reboot(syscall.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
		fmt.Fprintf(os.Stderr, "poweroff failed: %v\n", err)
	}
}

// listenGuest binds the vsock port. Outside a VM, where the vsock
// address family is unavailable, it falls back to a unix socket so the
// agent can be exercised on a workstation.
func listenGuest(port uint32) (net.Listener, error) {
	ln, err := vsock.Listen(port, nil)
	if err == nil {
		return ln, nil
	}
	path := fmt.Sprintf("/tmp/vsock-%d.sock", port)
	_ = os.Remove(path)
	uln, uerr := net.Listen("unix", path)
	if uerr != nil {
		return nil, fmt.Errorf("vsock listen: %v; unix fallback: %w", err, uerr)
	}
	fmt.Fprintf(os.Stderr, "vsock unavailable (%v), listening on %s\n", err, path)
	return uln, nil
}

func (a *agent) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.stopped:
				return
			default:
			}
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
			continue
		}
		a.wg.Add(1)
		go a.serveConn(conn)
	}
}

// serveConn answers framed requests until the host hangs up. Requests
// run concurrently and responses carry the request id, so the host can
// keep several calls in flight; the interpreter serializes Python work
// internally.
func (a *agent) serveConn(conn net.Conn) {
	defer a.wg.Done()
	defer conn.Close()

	br := bufio.NewReader(conn)
	var wmu sync.Mutex

	for {
		payload, err := protocol.ReadFrame(br)
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "read frame: %v\n", err)
			}
			return
		}
		a.touch()

		var req protocol.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			a.send(conn, &wmu, &protocol.Response{Success: false, Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}

		if req.Type == protocol.TypeShutdown {
			a.send(conn, &wmu, &protocol.Response{ID: req.ID, Success: true})
			a.stop()
			return
		}

		a.wg.Add(1)
		go func(req protocol.Request) {
			defer a.wg.Done()
			resp := a.handle(&req)
			resp.ID = req.ID
			a.send(conn, &wmu, resp)
		}(req)
	}
}

func (a *agent) handle(req *protocol.Request) *protocol.Response {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	switch req.Type {
	case protocol.TypePython:
		return a.interp.Exec(req.Code, timeout)
	case protocol.TypeBash:
		return runBash(req.Command, timeout)
	case protocol.TypeWriteFile:
		return writeTextFile(req.Path, req.Content)
	case protocol.TypeReadFile:
		return readTextFile(req.Path)
	case protocol.TypeWriteFileB:
		return writeBinaryFile(req.Path, req.Content)
	case protocol.TypeReadFileB:
		return readBinaryFile(req.Path)
	case protocol.TypeListFiles:
		return listFiles(req.Path)
	case protocol.TypeInstall:
		return installPackages(req.Packages)
	case protocol.TypeGetState:
		return a.interp.State()
	case protocol.TypeReset:
		return a.interp.Reset()
	case protocol.TypePing:
		return &protocol.Response{Success: true, Pong: true, ExecCount: a.interp.ExecCount()}
	default:
		return &protocol.Response{Success: false, Error: fmt.Sprintf("unknown request type %q", req.Type)}
	}
}

func (a *agent) send(conn net.Conn, wmu *sync.Mutex, resp *protocol.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal response: %v\n", err)
		return
	}
	wmu.Lock()
	err = protocol.WriteFrame(conn, payload)
	wmu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "write frame: %v\n", err)
	}
}

func (a *agent) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

// idleWatch shuts the agent down when the host goes silent.
func (a *agent) idleWatch() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopped:
			return
		case <-ticker.C:
			last := time.Unix(0, a.lastActivity.Load())
			if time.Since(last) > idleTimeout {
				fmt.Printf("idle for %s, shutting down\n", idleTimeout)
				a.stop()
				return
			}
		}
	}
}

func (a *agent) stop() {
	a.stopOnce.Do(func() {
		close(a.stopped)
		if a.ln != nil {
			a.ln.Close()
		}
	})
}

func (a *agent) drain() {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainWait):
		fmt.Println("drain timeout, forcing poweroff")
	}
}
