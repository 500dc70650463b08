//go:build integration

// Integration tests for lucidityd.
//
// Each test builds the lucidityd binary once (via TestMain), runs it as a
// real subprocess against an isolated temp directory for its keypair and
// trust store, and drives it as a minimal protocol-level client over the
// framed TCP wire — there is no lucidityd-side CLI for attach/list_panes,
// since that surface belongs to the mobile client this module pairs with.
//
// Run with:
//
//	go test -tags=integration -v ./test/
package integration_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/lucidity-host/internal/control"
	"github.com/ianremillard/lucidity-host/internal/frame"
)

var luciditydBin string

func TestMain(m *testing.M) {
	root := moduleRoot()

	tmpBin, err := os.MkdirTemp("", "lucidityd-inttest-bin-*")
	if err != nil {
		panic("MkdirTemp: " + err.Error())
	}
	defer os.RemoveAll(tmpBin)

	luciditydBin = filepath.Join(tmpBin, "lucidityd")
	cmd := exec.Command("go", "build", "-o", luciditydBin, "./cmd/lucidityd")
	cmd.Dir = root
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		panic("build ./cmd/lucidityd: " + err.Error())
	}

	os.Exit(m.Run())
}

func moduleRoot() string {
	abs, err := filepath.Abs("..")
	if err != nil {
		panic(err)
	}
	return abs
}

// freePort asks the OS for an ephemeral loopback port, then releases it.
// The window between release and lucidityd's own bind is the same
// unavoidable race every "reserve a port for a subprocess" test harness
// accepts.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// ── Test environment ────────────────────────────────────────────────────

type testEnv struct {
	t          *testing.T
	listenAddr string
	daemon     *exec.Cmd
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stateDir := t.TempDir()
	port := freePort(t)

	env := &testEnv{
		t:          t,
		listenAddr: fmt.Sprintf("127.0.0.1:%d", port),
	}

	cmd := exec.Command(luciditydBin, "serve")
	cmd.Env = append(os.Environ(),
		"LUCIDITYD_LISTEN_ADDR="+env.listenAddr,
		"LUCIDITYD_HOST_KEYPAIR_PATH="+filepath.Join(stateDir, "host_key.json"),
		"LUCIDITYD_TRUST_STORE_PATH="+filepath.Join(stateDir, "trust.db"),
		"LUCIDITYD_LOOPBACK_AUTH_EXEMPT=true",
		"SHELL=/bin/sh",
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Start(), "start lucidityd")
	env.daemon = cmd
	t.Cleanup(env.cleanup)

	env.waitForListener()
	return env
}

func (e *testEnv) waitForListener() {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", e.listenAddr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.t.Fatalf("lucidityd did not accept connections on %s within 5s", e.listenAddr)
}

func (e *testEnv) cleanup() {
	if e.daemon != nil && e.daemon.Process != nil {
		_ = e.daemon.Process.Signal(syscall.SIGTERM)
		_ = e.daemon.Wait()
	}
}

// ── Wire client ──────────────────────────────────────────────────────────

// client is a minimal, synchronous stand-in for the mobile app's framed
// protocol handling, just enough to drive the scenarios in spec.md §8.
type client struct {
	t    *testing.T
	conn net.Conn
	dec  *frame.Decoder
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, dec: frame.NewDecoder(), r: bufio.NewReader(conn)}
}

func (c *client) sendControl(v interface{}) {
	c.t.Helper()
	payload, err := control.Marshal(v)
	require.NoError(c.t, err)
	buf, err := frame.Encode(frame.TypeControl, payload)
	require.NoError(c.t, err)
	_, err = c.conn.Write(buf)
	require.NoError(c.t, err)
}

func (c *client) sendInput(data []byte) {
	c.t.Helper()
	buf, err := frame.Encode(frame.TypeInput, data)
	require.NoError(c.t, err)
	_, err = c.conn.Write(buf)
	require.NoError(c.t, err)
}

// nextFrame blocks until one complete frame has been decoded, honoring an
// overall deadline so a protocol regression fails the test instead of
// hanging the suite.
func (c *client) nextFrame(timeout time.Duration) frame.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		require.NoError(c.t, err)
		frames, decErr := c.dec.Push(buf[:n])
		require.NoError(c.t, decErr)
		if len(frames) > 0 {
			return frames[0]
		}
	}
}

// nextControlOp reads frames until it finds a control frame whose op
// matches one of want, skipping any pane-output frames interleaved with it.
func (c *client) nextControlOp(timeout time.Duration, want ...string) (string, []byte) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f := c.nextFrame(timeout)
		if f.Type != frame.TypeControl {
			continue
		}
		op, err := control.DecodeOp(f.Payload)
		require.NoError(c.t, err)
		for _, w := range want {
			if op == w {
				return op, f.Payload
			}
		}
	}
	c.t.Fatalf("did not see control op in %v within %s", want, timeout)
	return "", nil
}

// ── Tests ────────────────────────────────────────────────────────────────

// TestListPanesLoopback checks that a loopback client sees the default
// shell pane without needing to authenticate first (spec §4.11's
// loopback-auth-exemption path).
func TestListPanesLoopback(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env.listenAddr)

	c.sendControl(control.Envelope{Op: control.OpListPanes})
	op, payload := c.nextControlOp(5*time.Second, control.OpListPanes)
	assert.Equal(t, control.OpListPanes, op)

	var resp control.ListPanesResponse
	require.NoError(t, unmarshal(payload, &resp))
	require.NotEmpty(t, resp.Panes)
	assert.Equal(t, "shell", resp.Panes[0].Title)
}

// TestAttachEchoesInput exercises attach → input → output end to end: a
// loopback client attaches to the default pane, writes a line, and reads it
// back from the shell's PTY echo (spec §8's "loopback smoke test").
func TestAttachEchoesInput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PTY round trip in -short mode")
	}

	env := newTestEnv(t)
	c := dial(t, env.listenAddr)

	c.sendControl(control.Envelope{Op: control.OpListPanes})
	_, listPayload := c.nextControlOp(5*time.Second, control.OpListPanes)
	var list control.ListPanesResponse
	require.NoError(t, unmarshal(listPayload, &list))
	require.NotEmpty(t, list.Panes)
	paneID := list.Panes[0].PaneID

	c.sendControl(control.AttachRequest{Op: control.OpAttach, PaneID: paneID})
	_, attachPayload := c.nextControlOp(5*time.Second, control.OpAttachOk, control.OpError)
	var ok control.AttachOkResponse
	require.NoError(t, unmarshal(attachPayload, &ok))
	assert.Equal(t, paneID, ok.PaneID)

	marker := "lucidity-integration-marker"
	c.sendInput([]byte("echo " + marker + "\n"))

	var seen strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := c.nextFrame(5 * time.Second)
		if f.Type == frame.TypeOutput {
			seen.Write(f.Payload)
			if strings.Contains(seen.String(), marker) {
				return
			}
		}
	}
	t.Fatalf("marker not observed in pane output, got: %q", seen.String())
}

// TestResizeOutsideAttachedPaneRejected checks that resize targeting a pane
// other than the currently attached one is rejected without closing the
// connection (spec §4.11's per-op pane scoping).
func TestResizeOutsideAttachedPaneRejected(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env.listenAddr)

	c.sendControl(control.Envelope{Op: control.OpListPanes})
	_, listPayload := c.nextControlOp(5*time.Second, control.OpListPanes)
	var list control.ListPanesResponse
	require.NoError(t, unmarshal(listPayload, &list))
	require.NotEmpty(t, list.Panes)
	paneID := list.Panes[0].PaneID

	c.sendControl(control.AttachRequest{Op: control.OpAttach, PaneID: paneID})
	c.nextControlOp(5*time.Second, control.OpAttachOk)

	c.sendControl(control.ResizeRequest{Op: control.OpResize, PaneID: paneID + 999, Rows: 24, Cols: 80})
	op, _ := c.nextControlOp(5*time.Second, control.OpError)
	assert.Equal(t, control.OpError, op)

	// The connection must still be usable afterward.
	c.sendControl(control.Envelope{Op: control.OpListPanes})
	c.nextControlOp(5*time.Second, control.OpListPanes)
}

func unmarshal(payload []byte, v interface{}) error {
	return json.Unmarshal(payload, v)
}
