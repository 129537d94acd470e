//go:build linux

package main

import (
	"bufio"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/axonhq/axon/internal/sandbox/protocol"
)

//go:embed driver.py
var driverSource string

const (
	// stateCallTimeout bounds driver replies for non-exec operations.
	stateCallTimeout = 10 * time.Second

	// execGrace pads the driver wait past the requested timeout. The host
	// waits longer still, so a timeout reply always beats the host
	// deadline.
	execGrace = 2 * time.Second
)

var errDriverTimeout = errors.New("driver timeout")

// interpreter drives the long-lived python3 child that holds session
// state. Requests go in as JSON lines on stdin; replies come back one
// line each on the child's stdout. A hung or crashed child is killed and
// respawned, losing interpreter state but keeping the VM serviceable.
type interpreter struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	lines     chan string
	execCount int
}

func newInterpreter() *interpreter { return &interpreter{} }

// Start spawns the driver so the first cell does not pay boot latency.
func (in *interpreter) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ensure()
}

// Close stops the child.
func (in *interpreter) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stop()
}

// ExecCount reports cells run since the last reset.
func (in *interpreter) ExecCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.execCount
}

// Exec runs one cell in the persistent namespace. Timeouts kill the
// child, so a runaway cell cannot wedge the session forever.
func (in *interpreter) Exec(code string, timeoutSeconds int) *protocol.Response {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.ensure(); err != nil {
		return &protocol.Response{Success: false, Error: fmt.Sprintf("interpreter unavailable: %v", err)}
	}
	in.execCount++

	wait := time.Duration(timeoutSeconds)*time.Second + execGrace
	resp, err := in.call(driverRequest{Op: "exec", Code: code, Count: in.execCount}, wait)
	if err != nil {
		in.restart()
		if errors.Is(err, errDriverTimeout) {
			return &protocol.Response{
				Success: false,
				Outputs: []protocol.Output{{
					Type:    protocol.OutputError,
					Content: fmt.Sprintf("Timed out after %ds", timeoutSeconds),
				}},
				Error:         fmt.Sprintf("Execution timed out after %ds, interpreter state was reset", timeoutSeconds),
				ExecutionTime: float64(timeoutSeconds),
				CellID:        fmt.Sprintf("In[%d]", in.execCount),
			}
		}
		return &protocol.Response{Success: false, Error: fmt.Sprintf("interpreter error: %v", err)}
	}
	return resp
}

// State reports the defined variables plus the cell scripts on disk.
func (in *interpreter) State() *protocol.Response {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.ensure(); err != nil {
		return &protocol.Response{Success: false, Error: fmt.Sprintf("interpreter unavailable: %v", err)}
	}
	resp, err := in.call(driverRequest{Op: "state"}, stateCallTimeout)
	if err != nil {
		in.restart()
		return &protocol.Response{Success: false, Error: fmt.Sprintf("interpreter error: %v", err)}
	}
	resp.ExecCount = in.execCount
	resp.Files = listCellScripts()
	return resp
}

// Reset discards all interpreter state: the child is replaced and the
// per-cell scripts are removed.
func (in *interpreter) Reset() *protocol.Response {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.stop()
	if matches, err := filepath.Glob("/tmp/exec_*.py"); err == nil {
		for _, m := range matches {
			_ = os.Remove(m)
		}
	}
	in.execCount = 0
	if err := in.start(); err != nil {
		return &protocol.Response{Success: false, Error: fmt.Sprintf("restart interpreter: %v", err)}
	}
	return &protocol.Response{Success: true, Output: "Session state cleared"}
}

type driverRequest struct {
	Op    string `json:"op"`
	Code  string `json:"code,omitempty"`
	Count int    `json:"count,omitempty"`
}

// ensure starts the driver if it is not running. Caller holds mu.
func (in *interpreter) ensure() error {
	if in.cmd != nil {
		return nil
	}
	return in.start()
}

// start spawns the python3 driver. Caller holds mu.
func (in *interpreter) start() error {
	cmd := exec.Command("python3", "-u", "-c", driverSource)
	cmd.Dir = "/tmp"
	cmd.Env = execEnv()
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start python driver: %w", err)
	}

	// One line per outstanding request, so capacity 1 is enough for the
	// reader to drain before EOF.
	lines := make(chan string, 1)
	go func() {
		br := bufio.NewReader(stdout)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				lines <- line
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	in.cmd = cmd
	in.stdin = stdin
	in.lines = lines
	return nil
}

// stop kills and reaps the child. Caller holds mu.
func (in *interpreter) stop() {
	if in.cmd == nil {
		return
	}
	_ = in.stdin.Close()
	_ = in.cmd.Process.Kill()
	_ = in.cmd.Wait()
	in.cmd = nil
	in.stdin = nil
	in.lines = nil
}

// restart replaces a dead or hung child. Caller holds mu.
func (in *interpreter) restart() {
	in.stop()
	if err := in.start(); err != nil {
		fmt.Fprintf(os.Stderr, "python driver restart failed: %v\n", err)
	}
}

// call writes one request and waits for its reply line. Caller holds mu.
func (in *interpreter) call(req driverRequest, wait time.Duration) (*protocol.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := in.stdin.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("write to driver: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case line, ok := <-in.lines:
		if !ok {
			return nil, errors.New("python driver exited")
		}
		var resp protocol.Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			return nil, fmt.Errorf("decode driver reply: %w", err)
		}
		return &resp, nil
	case <-timer.C:
		return nil, errDriverTimeout
	}
}

// listCellScripts collects the per-cell scripts the driver wrote.
func listCellScripts() []protocol.FileInfo {
	matches, err := filepath.Glob("/tmp/exec_*.py")
	if err != nil {
		return nil
	}
	var files []protocol.FileInfo
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, protocol.FileInfo{Name: filepath.Base(m), Size: fi.Size()})
	}
	return files
}
