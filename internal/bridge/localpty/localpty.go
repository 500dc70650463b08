// Package localpty is a PaneBridge implementation backed by real
// pseudo-terminals via github.com/creack/pty, the way the teacher's
// daemon package drives agent processes. It is the reference/default
// wiring for cmd/lucidityd; the strict core (spec §1) only depends on the
// bridge.PaneBridge interface.
package localpty

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/ianremillard/lucidity-host/internal/bridge"
)

// maxReplayBytes bounds the in-memory scrollback kept per pane, mirroring
// the teacher's maxLogBytes rolling buffer.
const maxReplayBytes = 1 << 20

// laneQueueDepth is the buffered channel depth per subscriber lane; actual
// drop/disconnect policy under load lives in package fanout, which sits
// between this bridge and sessions in the full wiring.
const laneQueueDepth = 256

// Pane is one live (or exited) pseudo-terminal-backed pane.
type Pane struct {
	id    int
	title string

	mu      sync.Mutex
	ptm     *os.File
	cmd     *exec.Cmd
	replay  []byte
	lanes   map[*lane]struct{}
	closed  bool
}

type lane struct {
	ch chan []byte
}

func (l *lane) Chunks() <-chan []byte { return l.ch }
func (l *lane) Close()                {}

// Bridge manages a registry of Panes, each wrapping a real PTY; Spawn adds
// panes to it.
type Bridge struct {
	mu    sync.Mutex
	panes map[int]*Pane
	next  int
}

// New returns an empty local-PTY bridge.
func New() *Bridge {
	return &Bridge{panes: make(map[int]*Pane)}
}

// Spawn starts cmd/args inside a fresh PTY and registers it as a pane,
// mirroring the teacher's Instance.startAgent. Returns the new pane id.
func (b *Bridge) Spawn(title, command string, args []string, env []string) (int, error) {
	cmd := exec.Command(command, args...)
	if env != nil {
		cmd.Env = env
	}
	ptm, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("pty.Start: %w", err)
	}

	b.mu.Lock()
	b.next++
	id := b.next
	p := &Pane{
		id:    id,
		title: title,
		ptm:   ptm,
		cmd:   cmd,
		lanes: make(map[*lane]struct{}),
	}
	b.panes[id] = p
	b.mu.Unlock()

	go p.readLoop()
	return id, nil
}

// readLoop drains the PTY master, buffers a rolling replay window, and fans
// out to every currently-subscribed lane. This is a thin per-pane producer;
// the bounded, drop-policy-aware fan-out lives in package fanout, which
// wraps Subscribe's returned stream in production wiring.
func (p *Pane) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptm.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			p.mu.Lock()
			p.replay = append(p.replay, chunk...)
			if len(p.replay) > maxReplayBytes {
				p.replay = p.replay[len(p.replay)-maxReplayBytes:]
			}
			lanes := make([]*lane, 0, len(p.lanes))
			for l := range p.lanes {
				lanes = append(lanes, l)
			}
			p.mu.Unlock()

			for _, l := range lanes {
				select {
				case l.ch <- chunk:
				default:
				}
			}
		}
		if err != nil {
			break
		}
	}

	p.mu.Lock()
	p.closed = true
	lanes := make([]*lane, 0, len(p.lanes))
	for l := range p.lanes {
		lanes = append(lanes, l)
	}
	p.lanes = make(map[*lane]struct{})
	p.mu.Unlock()

	for _, l := range lanes {
		close(l.ch)
	}
}

func (b *Bridge) lookup(paneID int) (*Pane, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.panes[paneID]
	return p, ok
}

func (b *Bridge) List(ctx context.Context) ([]bridge.PaneInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bridge.PaneInfo, 0, len(b.panes))
	for _, p := range b.panes {
		out = append(out, bridge.PaneInfo{PaneID: p.id, Title: p.title})
	}
	return out, nil
}

func (b *Bridge) Subscribe(ctx context.Context, paneID int) (bridge.OutputStream, error) {
	p, ok := b.lookup(paneID)
	if !ok {
		return nil, bridge.ErrPaneNotFound
	}
	l := &lane{ch: make(chan []byte, laneQueueDepth)}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(l.ch)
		return l, nil
	}
	p.lanes[l] = struct{}{}
	p.mu.Unlock()
	return l, nil
}

func (b *Bridge) Write(ctx context.Context, paneID int, data []byte) error {
	p, ok := b.lookup(paneID)
	if !ok {
		return bridge.ErrPaneNotFound
	}
	p.mu.Lock()
	ptm := p.ptm
	p.mu.Unlock()
	if ptm == nil {
		return bridge.ErrPaneNotFound
	}
	_, err := ptm.Write(data)
	return err
}

func (b *Bridge) Resize(ctx context.Context, paneID int, rows, cols int) error {
	p, ok := b.lookup(paneID)
	if !ok {
		return bridge.ErrPaneNotFound
	}
	p.mu.Lock()
	ptm := p.ptm
	p.mu.Unlock()
	if ptm == nil {
		return bridge.ErrPaneNotFound
	}
	return pty.Setsize(ptm, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Paste writes text as a bracketed paste: ESC[200~ ... ESC[201~, the
// convention most terminal programs use to distinguish pasted text from
// typed input.
func (b *Bridge) Paste(ctx context.Context, paneID int, text string) error {
	const (
		bracketStart = "\x1b[200~"
		bracketEnd   = "\x1b[201~"
	)
	return b.Write(ctx, paneID, []byte(bracketStart+text+bracketEnd))
}

// ReplayBuffer implements bridge.ReplayProvider.
func (b *Bridge) ReplayBuffer(paneID int) []byte {
	p, ok := b.lookup(paneID)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.replay))
	copy(out, p.replay)
	return out
}

var (
	_ bridge.PaneBridge     = (*Bridge)(nil)
	_ bridge.ReplayProvider = (*Bridge)(nil)
)
