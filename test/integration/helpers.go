package integration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Daemon represents a running blockd process.
type Daemon struct {
	cmd      *exec.Cmd          // cmd is the running process
	coapAddr string             // coapAddr is the CoAP/UDP address
	quicAddr string             // quicAddr is the QUIC address
	httpAddr string             // httpAddr is the HTTP API address
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
}

// CoAPAddr returns the daemon's CoAP address.
func (d *Daemon) CoAPAddr() string { return d.coapAddr }

// QUICAddr returns the daemon's QUIC address.
func (d *Daemon) QUICAddr() string { return d.quicAddr }

// HTTPAddr returns the daemon's HTTP address.
func (d *Daemon) HTTPAddr() string { return d.httpAddr }

// Logs returns the daemon's stdout output.
func (d *Daemon) Logs() string { return d.stdout.String() }

// LogContains checks if the daemon's logs contain a substring.
func (d *Daemon) LogContains(s string) bool {
	return strings.Contains(d.stdout.String(), s)
}

// IsRunning checks if the process is alive and started successfully.
func (d *Daemon) IsRunning() bool {
	if d.cmd == nil || d.cmd.Process == nil {
		return false
	}

	if !d.LogContains("starting blockd") {
		return false
	}

	return d.cmd.ProcessState == nil
}

// Stop terminates the daemon process.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}

	if d.cmd != nil && d.cmd.Process != nil {
		d.cmd.Process.Kill()
		time.Sleep(100 * time.Millisecond)
	}
}

// StartDaemon builds blockd, starts it on ports derived from base and waits
// until its HTTP API answers. extra is appended to the command line.
func StartDaemon(t *testing.T, base int, extra ...string) *Daemon {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	d := &Daemon{
		coapAddr: fmt.Sprintf("127.0.0.1:%d", base),
		quicAddr: fmt.Sprintf("127.0.0.1:%d", base+1),
		httpAddr: fmt.Sprintf("127.0.0.1:%d", base+2),
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
	}

	args := append([]string{
		"--coap", d.coapAddr,
		"--quic", d.quicAddr,
		"--http", d.httpAddr,
		"--log-level", "debug",
	}, extra...)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.cmd = exec.CommandContext(ctx, buildBinary(t, "./cmd/blockd"), args...)
	d.cmd.Stdout = d.stdout
	d.cmd.Stderr = d.stderr

	if err := d.cmd.Start(); err != nil {
		t.Fatalf("start blockd: %v", err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go d.cmd.Wait()

	t.Cleanup(d.Stop)

	if !waitHealthy(d.httpAddr, 15*time.Second) {
		t.Fatalf("blockd did not become healthy:\nSTDOUT:\n%s\nSTDERR:\n%s", d.stdout.String(), d.stderr.String())
	}

	return d
}

// waitHealthy polls GET /health until it answers 200 or the timeout expires.
func waitHealthy(addr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}

		time.Sleep(100 * time.Millisecond)
	}

	return false
}

var (
	binariesMu sync.Mutex
	binaries   = map[string]string{}
)

// buildBinary compiles a command package once per test binary.
func buildBinary(t *testing.T, pkg string) string {
	t.Helper()

	binariesMu.Lock()
	defer binariesMu.Unlock()

	if path, ok := binaries[pkg]; ok {
		return path
	}

	dir, err := os.MkdirTemp("", "blockwise_test_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	binary := filepath.Join(dir, filepath.Base(pkg))

	cmd := exec.Command("go", "build", "-o", binary, pkg)
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build %s failed: %v\n%s", pkg, err, output)
	}

	binaries[pkg] = binary

	return binary
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
