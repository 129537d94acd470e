//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/axonhq/axon/internal/sandbox/protocol"
)

const (
	// defaultTimeout applies when a request carries none, in seconds.
	defaultTimeout = 30

	// installTimeout bounds pip installs, in seconds.
	installTimeout = 120
)

func execEnv() []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin:/usr/local/sbin:/usr/sbin:/sbin",
		"HOME=/root",
		"LANG=C.UTF-8",
		"TMPDIR=/tmp",
	}
}

// runBash executes a command under /bin/bash with full VM access.
func runBash(command string, timeoutSeconds int) *protocol.Response {
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = "/tmp"
	cmd.Env = execEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so pipelines do not linger.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := roundSeconds(time.Since(start).Seconds())

	if ctx.Err() == context.DeadlineExceeded {
		return &protocol.Response{
			Success: false,
			Outputs: []protocol.Output{{
				Type:    protocol.OutputError,
				Content: fmt.Sprintf("Timed out after %ds", timeoutSeconds),
			}},
			Error:         fmt.Sprintf("Bash timed out after %ds", timeoutSeconds),
			ExitCode:      -1,
			ExecutionTime: float64(timeoutSeconds),
		}
	}

	stdoutText := protocol.TruncateOutput(stdout.String())
	stderrText := protocol.TruncateOutput(stderr.String())

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return &protocol.Response{Success: false, Error: err.Error(), ExitCode: -1, ExecutionTime: elapsed}
		}
		exitCode = exitErr.ExitCode()
	}

	var outputs []protocol.Output
	if stdoutText != "" {
		outputs = append(outputs, protocol.Output{Type: protocol.OutputText, Content: stdoutText, Encoding: "utf-8"})
	}
	if stderrText != "" {
		outputs = append(outputs, protocol.Output{Type: protocol.OutputStderr, Content: stderrText, Name: "stderr", Encoding: "utf-8"})
	}
	if exitCode != 0 && stderrText != "" {
		outputs = append(outputs, protocol.Output{Type: protocol.OutputError, Content: stderrText, Encoding: "utf-8"})
	}

	resp := &protocol.Response{
		Success:       exitCode == 0,
		Outputs:       outputs,
		Output:        stdoutText,
		Stderr:        stderrText,
		ExitCode:      exitCode,
		ExecutionTime: elapsed,
	}
	if exitCode != 0 {
		resp.Error = stderrText
	}
	return resp
}

func writeTextFile(path, content string) *protocol.Response {
	if path == "" {
		return &protocol.Response{Success: false, Error: "path is required"}
	}
	if err := ensureParentDir(path); err != nil {
		return &protocol.Response{Success: false, Error: err.Error()}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &protocol.Response{Success: false, Error: err.Error()}
	}
	return &protocol.Response{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}
}

func writeBinaryFile(path, b64 string) *protocol.Response {
	if path == "" {
		return &protocol.Response{Success: false, Error: "path is required"}
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return &protocol.Response{Success: false, Error: fmt.Sprintf("decode base64 content: %v", err)}
	}
	if err := ensureParentDir(path); err != nil {
		return &protocol.Response{Success: false, Error: err.Error()}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &protocol.Response{Success: false, Error: err.Error()}
	}
	return &protocol.Response{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(data), path)}
}

func readTextFile(path string) *protocol.Response {
	data, errResp := readLimited(path)
	if errResp != nil {
		return errResp
	}
	return &protocol.Response{Success: true, Output: string(data)}
}

func readBinaryFile(path string) *protocol.Response {
	data, errResp := readLimited(path)
	if errResp != nil {
		return errResp
	}
	return &protocol.Response{Success: true, Output: base64.StdEncoding.EncodeToString(data)}
}

// readLimited reads at most MaxOutputBytes from a file.
func readLimited(path string) ([]byte, *protocol.Response) {
	if path == "" {
		return nil, &protocol.Response{Success: false, Error: "path is required"}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &protocol.Response{Success: false, Error: err.Error()}
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, protocol.MaxOutputBytes))
	if err != nil {
		return nil, &protocol.Response{Success: false, Error: err.Error()}
	}
	return data, nil
}

func listFiles(path string) *protocol.Response {
	if path == "" {
		path = "/tmp"
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return &protocol.Response{Success: false, Error: err.Error()}
	}
	files := make([]protocol.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, protocol.FileInfo{Name: e.Name(), Size: info.Size(), IsDir: e.IsDir()})
	}
	return &protocol.Response{Success: true, Files: files}
}

func installPackages(packages []string) *protocol.Response {
	safe := make([]string, 0, len(packages))
	for _, p := range packages {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			safe = append(safe, trimmed)
		}
	}
	if len(safe) == 0 {
		return &protocol.Response{Success: false, Error: "No packages specified"}
	}
	return runBash("pip3 install --quiet --no-cache-dir "+strings.Join(safe, " ")+" 2>&1", installTimeout)
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func roundSeconds(s float64) float64 {
	return math.Round(s*10000) / 10000
}
