// Package fanout implements the per-pane broadcaster: it copies one
// PaneBridge output stream to zero-or-more subscriber queues without ever
// back-pressuring the producer. A slow remote drops chunks (or is
// disconnected), but the local terminal is never blocked.
package fanout

import (
	"context"
	"sync"

	"github.com/ianremillard/lucidity-host/internal/bridge"
)

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest buffered chunk to make room for the
	// new one. This is the default (spec §4.4, §6).
	DropOldest OverflowPolicy = iota
	// Disconnect closes the offending subscriber's queue instead of
	// dropping data silently.
	Disconnect
)

// DefaultQueueDepth is the number of chunks buffered per subscriber before
// the overflow policy kicks in.
const DefaultQueueDepth = 64

// Subscription is a handle to one subscriber's bounded output queue.
// Releasing it (Close) stops delivery within bounded time and frees the
// queue; it is safe to call more than once.
type Subscription struct {
	id     uint64
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
	fo     *Fanout
	paneID int
}

// Chunks returns the channel of delivered output chunks. It is closed when
// the subscription is released or the underlying pane stream ends.
func (s *Subscription) Chunks() <-chan []byte {
	return s.ch
}

// Close releases the subscription, retiring its queue from the producer.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.fo.retire(s.paneID, s.id)
	})
}

// subscriber is the producer-side bookkeeping for one Subscription.
type subscriber struct {
	id     uint64
	ch     chan []byte
	policy OverflowPolicy
	mu     sync.Mutex
	queue  [][]byte
}

// paneFanout is the single producer for one pane: it reads from the
// bridge's OutputStream and copies each chunk to every live subscriber.
type paneFanout struct {
	paneID int
	stream bridge.OutputStream

	mu    sync.Mutex
	subs  map[uint64]*subscriber
	doneC chan struct{}
}

// Fanout owns one paneFanout per pane with at least one subscriber. It is
// the concrete broadcaster sitting between a bridge.PaneBridge and the
// sessions attached to its panes.
type Fanout struct {
	br bridge.PaneBridge

	mu     sync.Mutex
	panes  map[int]*paneFanout
	nextID uint64
}

// New returns a Fanout driving output from br.
func New(br bridge.PaneBridge) *Fanout {
	return &Fanout{br: br, panes: make(map[int]*paneFanout)}
}

// Subscribe attaches a new subscriber to pane_id, starting that pane's
// producer goroutine on first subscriber. policy controls what happens
// when this subscriber's queue overflows.
func (f *Fanout) Subscribe(ctx context.Context, paneID int, policy OverflowPolicy, queueDepth int) (*Subscription, error) {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}

	f.mu.Lock()
	pf, ok := f.panes[paneID]
	if !ok {
		stream, err := f.br.Subscribe(ctx, paneID)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		pf = &paneFanout{
			paneID: paneID,
			stream: stream,
			subs:   make(map[uint64]*subscriber),
			doneC:  make(chan struct{}),
		}
		f.panes[paneID] = pf
		go f.run(pf)
	}
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	sub := &subscriber{id: id, ch: make(chan []byte, queueDepth), policy: policy}
	pf.mu.Lock()
	pf.subs[id] = sub
	pf.mu.Unlock()

	return &Subscription{id: id, ch: sub.ch, closed: make(chan struct{}), fo: f, paneID: paneID}, nil
}

// run is the single producer goroutine for one pane: it reads chunks from
// the bridge stream and delivers them to every subscriber currently
// registered, applying each subscriber's own overflow policy.
func (f *Fanout) run(pf *paneFanout) {
	defer func() {
		pf.mu.Lock()
		subs := pf.subs
		pf.subs = nil
		pf.mu.Unlock()
		for _, sub := range subs {
			closeChan(sub.ch)
		}
		close(pf.doneC)

		f.mu.Lock()
		if f.panes[pf.paneID] == pf {
			delete(f.panes, pf.paneID)
		}
		f.mu.Unlock()
	}()

	for chunk := range pf.stream.Chunks() {
		pf.mu.Lock()
		for id, sub := range pf.subs {
			if !deliver(sub, chunk) {
				delete(pf.subs, id)
				closeChan(sub.ch)
			}
		}
		pf.mu.Unlock()
	}
}

// deliver pushes chunk to sub's channel, applying its overflow policy when
// full. The producer is never blocked by this call. It returns false if
// sub should be dropped from the subscriber set — the caller, not deliver,
// closes sub.ch, since closing it here while still registered would make
// the next delivery attempt send on a closed channel and panic.
func deliver(sub *subscriber, chunk []byte) bool {
	select {
	case sub.ch <- chunk:
		return true
	default:
	}

	switch sub.policy {
	case Disconnect:
		return false
	default: // DropOldest
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- chunk:
		default:
		}
		return true
	}
}

func closeChan(ch chan []byte) {
	defer func() { recover() }()
	close(ch)
}

// retire removes subscriber id from pane_id's subscriber set. If that pane
// has no subscribers left, its producer is unregistered first, so a later
// Subscribe starts a fresh one, and then the bridge subscription is
// released, stopping the old producer goroutine (it will exit on its own
// once the bridge stream closes its Chunks channel, per
// bridge.OutputStream.Close's contract).
func (f *Fanout) retire(paneID int, id uint64) {
	f.mu.Lock()
	pf, ok := f.panes[paneID]
	f.mu.Unlock()
	if !ok {
		return
	}

	pf.mu.Lock()
	if sub, exists := pf.subs[id]; exists {
		delete(pf.subs, id)
		closeChan(sub.ch)
	}
	remaining := len(pf.subs)
	pf.mu.Unlock()

	if remaining == 0 {
		f.mu.Lock()
		if f.panes[paneID] == pf {
			delete(f.panes, paneID)
		}
		f.mu.Unlock()
		pf.stream.Close()
	}
}
