// Package mock provides a PaneBridge test double: a fixed set of panes that
// record writes and emit output only when the test tells them to.
package mock

import (
	"context"
	"sync"

	"github.com/ianremillard/lucidity-host/internal/bridge"
)

// pane is one mock pane's mutable state.
type pane struct {
	mu      sync.Mutex
	info    bridge.PaneInfo
	subs    map[*stream]struct{}
	writes  [][]byte
	pastes  []string
	resizes [][2]int
}

// Bridge is an in-memory PaneBridge for tests. Zero value is not usable;
// use New.
type Bridge struct {
	mu    sync.Mutex
	panes map[int]*pane
}

// New returns a Bridge with no panes; register them with AddPane, which
// takes the caller-chosen id and title.
func New() *Bridge {
	return &Bridge{panes: make(map[int]*pane)}
}

// AddPane registers a pane the bridge will serve.
func (b *Bridge) AddPane(id int, title string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.panes[id] = &pane{
		info: bridge.PaneInfo{PaneID: id, Title: title},
		subs: make(map[*stream]struct{}),
	}
}

// RemovePane simulates the pane closing: every subscriber's stream is closed.
func (b *Bridge) RemovePane(id int) {
	b.mu.Lock()
	p := b.panes[id]
	delete(b.panes, id)
	b.mu.Unlock()
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.subs {
		s.close()
	}
}

// Emit pushes a chunk of output to every current subscriber of pane id.
func (b *Bridge) Emit(id int, data []byte) {
	b.mu.Lock()
	p := b.panes[id]
	b.mu.Unlock()
	if p == nil {
		return
	}
	p.mu.Lock()
	subs := make([]*stream, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()
	for _, s := range subs {
		s.deliver(data)
	}
}

// Writes returns every byte slice written to pane id via Write, in order.
func (b *Bridge) Writes(id int) [][]byte {
	b.mu.Lock()
	p := b.panes[id]
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Resizes returns every (rows, cols) pair applied to pane id via Resize, in order.
func (b *Bridge) Resizes(id int) [][2]int {
	b.mu.Lock()
	p := b.panes[id]
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][2]int, len(p.resizes))
	copy(out, p.resizes)
	return out
}

// Pastes returns every text pasted to pane id via Paste, in order.
func (b *Bridge) Pastes(id int) []string {
	b.mu.Lock()
	p := b.panes[id]
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.pastes))
	copy(out, p.pastes)
	return out
}

func (b *Bridge) List(ctx context.Context) ([]bridge.PaneInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bridge.PaneInfo, 0, len(b.panes))
	for _, p := range b.panes {
		out = append(out, p.info)
	}
	return out, nil
}

func (b *Bridge) Subscribe(ctx context.Context, paneID int) (bridge.OutputStream, error) {
	b.mu.Lock()
	p := b.panes[paneID]
	b.mu.Unlock()
	if p == nil {
		return nil, bridge.ErrPaneNotFound
	}
	s := newStream()
	p.mu.Lock()
	p.subs[s] = struct{}{}
	p.mu.Unlock()
	s.onClose = func() {
		p.mu.Lock()
		delete(p.subs, s)
		p.mu.Unlock()
	}
	return s, nil
}

func (b *Bridge) Write(ctx context.Context, paneID int, data []byte) error {
	b.mu.Lock()
	p := b.panes[paneID]
	b.mu.Unlock()
	if p == nil {
		return bridge.ErrPaneNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.mu.Lock()
	p.writes = append(p.writes, cp)
	p.mu.Unlock()
	return nil
}

func (b *Bridge) Resize(ctx context.Context, paneID int, rows, cols int) error {
	b.mu.Lock()
	p := b.panes[paneID]
	b.mu.Unlock()
	if p == nil {
		return bridge.ErrPaneNotFound
	}
	p.mu.Lock()
	p.resizes = append(p.resizes, [2]int{rows, cols})
	p.mu.Unlock()
	return nil
}

func (b *Bridge) Paste(ctx context.Context, paneID int, text string) error {
	b.mu.Lock()
	p := b.panes[paneID]
	b.mu.Unlock()
	if p == nil {
		return bridge.ErrPaneNotFound
	}
	p.mu.Lock()
	p.pastes = append(p.pastes, text)
	p.mu.Unlock()
	return nil
}

// stream is the mock's bridge.OutputStream implementation: a channel
// buffered to 64 chunks that drops new chunks once full, good enough for
// test scripting (the real fan-out's bounding policy lives in package
// fanout, not here).
type stream struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	onClose func()
}

func newStream() *stream {
	return &stream{ch: make(chan []byte, 64)}
}

func (s *stream) Chunks() <-chan []byte {
	return s.ch
}

func (s *stream) Close() {
	s.close()
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *stream) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- data:
	default:
		// Drop if the test forgot to drain; this is a test double, not the
		// bounded fan-out under spec — real overflow policy lives upstream.
	}
}

var _ bridge.PaneBridge = (*Bridge)(nil)
