// Package bridge declares the PaneBridge capability: the boundary where the
// core touches the terminal engine that owns real PTYs. The core never
// talks to a PTY directly — it only calls through this interface, so a
// test double can stand in for the real terminal emulator.
package bridge

import (
	"context"
	"errors"
)

// ErrPaneNotFound is returned by Write/Resize/Paste when the pane id is
// unknown to the bridge.
var ErrPaneNotFound = errors.New("bridge: pane not found")

// PaneInfo is a point-in-time snapshot of a pane's metadata.
type PaneInfo struct {
	PaneID int
	Title  string
}

// OutputStream is a handle to a lazy, finite, non-restartable sequence of
// raw byte chunks produced by one pane's PTY. Dropping the handle (calling
// Close) MUST release the subscription.
type OutputStream interface {
	// Chunks returns a channel that is closed when the stream ends, either
	// because the pane closed or because Close was called.
	Chunks() <-chan []byte
	// Close releases the subscription. It is safe to call more than once.
	Close()
}

// PaneBridge is the capability the core requires from the terminal
// subsystem. A test double MUST be implementable that records writes and
// emits scripted output; see bridge/mock for one.
type PaneBridge interface {
	// List returns a snapshot of currently known panes.
	List(ctx context.Context) ([]PaneInfo, error)

	// Subscribe returns a handle producing raw output chunks for pane_id.
	Subscribe(ctx context.Context, paneID int) (OutputStream, error)

	// Write enqueues bytes into the pane's PTY input, preserving caller
	// order. Returns ErrPaneNotFound if the pane is unknown.
	Write(ctx context.Context, paneID int, data []byte) error

	// Resize changes a pane's terminal dimensions.
	Resize(ctx context.Context, paneID int, rows, cols int) error

	// Paste writes text to the pane, optionally wrapped in bracketed-paste
	// framing; the bridge decides whether to bracket it.
	Paste(ctx context.Context, paneID int, text string) error
}

// ReplayProvider is an optional extension a PaneBridge MAY additionally
// implement: supplying recent scrollback to send immediately after
// attach_ok, the way the teacher's Instance.Attach replays its rolling log
// buffer. Not part of the core PaneBridge contract.
type ReplayProvider interface {
	ReplayBuffer(paneID int) []byte
}
