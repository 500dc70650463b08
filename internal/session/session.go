// Package session implements the per-connection state machine (spec §4.11)
// that routes control ops, manages pane attachment, and forwards I/O
// between a client transport and the PTY fan-out.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ianremillard/lucidity-host/internal/auth"
	"github.com/ianremillard/lucidity-host/internal/bridge"
	"github.com/ianremillard/lucidity-host/internal/clock"
	"github.com/ianremillard/lucidity-host/internal/control"
	"github.com/ianremillard/lucidity-host/internal/fanout"
	"github.com/ianremillard/lucidity-host/internal/frame"
	"github.com/ianremillard/lucidity-host/internal/keypair"
	"github.com/ianremillard/lucidity-host/internal/pairing"
	"github.com/ianremillard/lucidity-host/internal/trust"
)

// State is one of the dispatcher's five lifecycle states.
type State int

const (
	StateNew State = iota
	StateAuthenticating
	StateReady
	StateAttached
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateAttached:
		return "ATTACHED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Config bundles the per-session tunables (spec §6).
type Config struct {
	AuthGracePeriod       time.Duration
	LoopbackAuthExempt    bool
	OverflowPolicy        fanout.OverflowPolicy
	SubscriberQueueDepth  int
}

func (c Config) withDefaults() Config {
	if c.AuthGracePeriod <= 0 {
		c.AuthGracePeriod = 15 * time.Second
	}
	return c
}

// Deps are the shared collaborators every session needs; one Deps is
// constructed per process and handed to each new Session.
type Deps struct {
	Bridge  bridge.PaneBridge
	Fanout  *fanout.Fanout
	Trust   *trust.Store
	Pairing *pairing.Protocol
	Host    *keypair.KeyPair
	RelayID string
	Clock   clock.Clock
	Rand    clock.Randomness
	Logger  zerolog.Logger
}

// outMsg is one item queued for the outbound writer: either a control
// frame or a raw pane-output chunk.
type outMsg struct {
	frameType frame.Type
	payload   []byte
}

// Session is one connection's dispatcher state.
type Session struct {
	id       string
	conn     net.Conn
	peerAddr string
	loopback bool
	cfg      Config
	deps     Deps
	log      zerolog.Logger

	mu             sync.Mutex
	state          State
	authenticated  bool
	publicKey      string
	attachedPaneID *int
	sub            *fanout.Subscription
	pendingGate    pairing.PendingGate
	serverNonce    []byte

	out    chan outMsg
	closed chan struct{}
	closeOnce sync.Once
}

// New constructs a Session for an already-accepted connection.
func New(conn net.Conn, peerAddr string, loopback bool, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:       id,
		conn:     conn,
		peerAddr: peerAddr,
		loopback: loopback,
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With().Str("session_id", id).Str("peer", peerAddr).Logger(),
		state:    StateNew,
		out:      make(chan outMsg, 256),
		closed:   make(chan struct{}),
	}
}

// ID returns the session's unique identifier, minted at accept time.
func (s *Session) ID() string { return s.id }

// Run drives the session's whole lifecycle: authentication, then request
// routing, until the connection closes or ctx is cancelled. It returns
// once all per-session resources (subscription, pending pairing) have been
// released.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.cleanup()

	if err := s.beginAuth(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.inboundLoop(ctx) })
	g.Go(func() error { return s.outboundLoop(ctx) })

	err := g.Wait()
	s.log.Info().Str("reason", fmt.Sprint(err)).Msg("session closed")
	return err
}

// cleanup releases the pane subscription and marks the session closing.
// It is idempotent and safe to call once, from Run's defer, regardless of
// exit reason (spec §5: closing cancels inbound, outbound, and any
// pending pairing atomically; no dangling subscriptions).
func (s *Session) cleanup() {
	s.mu.Lock()
	s.state = StateClosing
	sub := s.sub
	s.sub = nil
	s.attachedPaneID = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.closeOnce.Do(func() { close(s.closed) })
	s.conn.Close()
}

// beginAuth sends the auth_challenge (or skips straight to READY on an
// exempt loopback connection) and arms the authentication grace timer.
func (s *Session) beginAuth(ctx context.Context) error {
	s.mu.Lock()
	exempt := s.loopback && s.cfg.LoopbackAuthExempt
	s.mu.Unlock()

	if exempt {
		s.mu.Lock()
		s.state = StateReady
		s.authenticated = false
		s.mu.Unlock()
		s.log.Info().Msg("loopback auth exempt, session ready")
		return nil
	}

	nonce, err := auth.NewNonce(s.deps.Rand)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.serverNonce = nonce
	s.state = StateAuthenticating
	s.mu.Unlock()

	s.sendControl(control.AuthChallenge{Op: control.OpAuthChallenge, Nonce: keypair.EncodeB64U(nonce)})

	go s.enforceAuthDeadline(ctx)
	return nil
}

// enforceAuthDeadline closes the session if authentication hasn't
// completed within the configured grace period.
func (s *Session) enforceAuthDeadline(ctx context.Context) {
	timer := time.NewTimer(s.cfg.AuthGracePeriod)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.mu.Lock()
		stillAuthenticating := s.state == StateAuthenticating
		s.mu.Unlock()
		if stillAuthenticating {
			s.log.Warn().Msg("auth grace period expired")
			s.conn.Close()
		}
	case <-ctx.Done():
	}
}

// inboundLoop reads from the transport, decodes frames, and routes them.
// Control requests are handled on this goroutine, so their responses reach
// s.out in request order. Dispatcher state is shared with each attach's
// forwardOutput goroutine, which also moves ATTACHED back to READY and
// enqueues pane_closed when its subscription ends; s.mu guards that state.
func (s *Session) inboundLoop(ctx context.Context) error {
	dec := frame.NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, decErr := dec.Push(buf[:n])
			for _, f := range frames {
				if handleErr := s.handleFrame(ctx, f); handleErr != nil {
					return handleErr
				}
			}
			if decErr != nil {
				s.log.Warn().Err(decErr).Msg("protocol violation: bad frame")
				return decErr
			}
		}
		if err != nil {
			return err
		}
	}
}

// outboundLoop drains s.out and writes each message as a framed write to
// the transport, preserving enqueue order.
func (s *Session) outboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.out:
			if !ok {
				return nil
			}
			encoded, err := frame.Encode(msg.frameType, msg.payload)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to encode outbound frame")
				continue
			}
			if _, err := s.conn.Write(encoded); err != nil {
				return err
			}
		}
	}
}

// sendControl JSON-marshals v and enqueues it as a control frame. Best
// effort: if the outbox is gone (session closing) the send is dropped.
func (s *Session) sendControl(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal control response")
		return
	}
	s.enqueue(outMsg{frameType: frame.TypeControl, payload: payload})
}

func (s *Session) sendError(message string) {
	s.sendControl(control.ErrorResponse{Op: control.OpError, Message: message})
}

// enqueue pushes msg to the outbox, or drops it silently if the session is
// already closing — there is no one left to deliver it to.
func (s *Session) enqueue(msg outMsg) {
	select {
	case s.out <- msg:
	case <-s.closed:
	}
}
