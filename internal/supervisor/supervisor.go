// Package supervisor implements the connection supervisor (spec §4.10):
// the accept loop, admission control, and per-connection lifecycle
// logging that hands each accepted socket to a session.Session.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ianremillard/lucidity-host/internal/auth"
	"github.com/ianremillard/lucidity-host/internal/session"
)

// sessionConfigBox lets Supervisor swap the live session.Config read by new
// connections without a lock, so a config reload never blocks the accept
// loop or an in-flight handle call.
type sessionConfigBox struct {
	v atomic.Value
}

func (b *sessionConfigBox) Store(cfg session.Config) { b.v.Store(cfg) }

func (b *sessionConfigBox) Load() session.Config { return b.v.Load().(session.Config) }

// DefaultListenAddr is the default bind address (spec §6): loopback,
// port 9797.
const DefaultListenAddr = "127.0.0.1:9797"

// DefaultMaxSessions is the default admission cap.
const DefaultMaxSessions = 4

// Config bundles supervisor-level tunables.
type Config struct {
	ListenAddr  string
	MaxSessions int32
	Session     session.Config
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	return c
}

// Supervisor owns the accept loop and the admission counter.
type Supervisor struct {
	cfg       Config
	sessCfg   sessionConfigBox
	deps      session.Deps
	log       zerolog.Logger
	active    int32 // atomic; admission count
}

// New constructs a Supervisor. deps is shared across every session this
// supervisor hands off.
func New(cfg Config, deps session.Deps) *Supervisor {
	cfg = cfg.withDefaults()
	sv := &Supervisor{cfg: cfg, deps: deps, log: deps.Logger.With().Str("component", "supervisor").Logger()}
	sv.sessCfg.Store(cfg.Session)
	return sv
}

// UpdateSessionConfig swaps the session.Config handed to every connection
// accepted from this point on. Sessions already running keep whatever
// config they started with — only new connections see the change. Safe to
// call concurrently with Serve's accept loop (spec §6's config hot-reload).
func (sv *Supervisor) UpdateSessionConfig(cfg session.Config) {
	sv.sessCfg.Store(cfg)
	sv.log.Info().Msg("session config reloaded, applies to new connections")
}

// Serve binds the listen address and runs the accept loop until ctx is
// cancelled or the listener errors. Binding to a non-loopback address logs
// a prominent warning at start-up (spec §4.10).
func (sv *Supervisor) Serve(ctx context.Context) error {
	host, _, err := net.SplitHostPort(sv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("supervisor: bad listen address %q: %w", sv.cfg.ListenAddr, err)
	}
	if !auth.IsLoopback(host) {
		sv.log.Warn().Str("addr", sv.cfg.ListenAddr).
			Msg("listening on a non-loopback address; remote connections will require pairing and authentication")
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", sv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("supervisor: listen on %s: %w", sv.cfg.ListenAddr, err)
	}
	defer ln.Close()

	sv.log.Info().Str("addr", sv.cfg.ListenAddr).Msg("listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("supervisor: accept: %w", err)
			}
		}
		go sv.handle(ctx, conn)
	}
}

// handle admits, wires, and runs a single accepted connection, releasing
// its admission slot on exit regardless of how the session ended (spec §5).
func (sv *Supervisor) handle(ctx context.Context, conn net.Conn) {
	peerAddr := conn.RemoteAddr().String()
	host, _, _ := net.SplitHostPort(peerAddr)
	loopback := auth.IsLoopback(host)

	if n := atomic.AddInt32(&sv.active, 1); n > sv.cfg.MaxSessions {
		atomic.AddInt32(&sv.active, -1)
		sv.log.Warn().Str("peer", peerAddr).Int32("max_sessions", sv.cfg.MaxSessions).
			Msg("rejecting connection: admission cap reached")
		// Accept-then-reject with a visible reason, never a silent drop.
		conn.Write(mustAdmissionRejected())
		conn.Close()
		return
	}
	defer atomic.AddInt32(&sv.active, -1)

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	sv.log.Info().Str("peer", peerAddr).Bool("loopback", loopback).Msg("accepted")

	sess := session.New(conn, peerAddr, loopback, sv.sessCfg.Load(), sv.deps)
	start := time.Now()
	err := sess.Run(ctx)
	sv.log.Info().Str("session_id", sess.ID()).Str("peer", peerAddr).
		Dur("duration", time.Since(start)).AnErr("reason", err).Msg("session ended")
}

// ActiveSessions returns the current admission count, for diagnostics.
func (sv *Supervisor) ActiveSessions() int32 {
	return atomic.LoadInt32(&sv.active)
}
