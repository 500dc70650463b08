package pairing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ianremillard/lucidity-host/internal/clock"
	"github.com/ianremillard/lucidity-host/internal/control"
	"github.com/ianremillard/lucidity-host/internal/keypair"
	"github.com/ianremillard/lucidity-host/internal/trust"
)

// DefaultApprovalTimeout is how long the host waits for the approver
// before treating a pairing request as rejected (spec §6).
const DefaultApprovalTimeout = 60 * time.Second

// DefaultFreshnessWindow bounds how far a PairingRequest's timestamp may
// be from the host's current clock time when Submit checks it (spec §4.6).
const DefaultFreshnessWindow = 300 * time.Second

// Reason strings used in PairingResponse.Reason, fixed by spec §4.8/§8.
const (
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpired          = "expired"
	ReasonNoApprover       = "no_approver"
	ReasonRejected         = "rejected"
	ReasonTimeout          = "timeout"
	ReasonBusy             = "busy"
)

// Config bundles the tunables a Protocol instance needs.
type Config struct {
	ApprovalTimeout time.Duration
	FreshnessWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = DefaultApprovalTimeout
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = DefaultFreshnessWindow
	}
	return c
}

// Protocol drives the pairing payload issuance and submit/approve sequence
// for one host. It is safe for concurrent use across sessions; approver
// calls are serialized (spec §5) so only one approval prompt is live.
type Protocol struct {
	host     *keypair.KeyPair
	store    *trust.Store
	approver Approver
	clock    clock.Clock
	cfg      Config

	mu             sync.Mutex
	currentPayload *control.PairingPayload
	approverMu     sync.Mutex // serializes Approver.Approve calls across sessions
}

// NewProtocol builds a Protocol for the given host identity and trust
// store. approver may be nil, in which case every submission is rejected
// with ReasonNoApprover.
func NewProtocol(host *keypair.KeyPair, store *trust.Store, approver Approver, c clock.Clock, cfg Config) *Protocol {
	return &Protocol{host: host, store: store, approver: approver, clock: c, cfg: cfg.withDefaults()}
}

// CurrentPayload issues a fresh payload on every call, stamped with the
// current time, and records it as the most recently issued payload that
// Submit checks against. relayID/lanAddr/externalAddr/relayURL/relaySecret/capabilities are
// supplied by the caller (the supervisor knows its own listen addresses).
func (p *Protocol) CurrentPayload(relayID, lanAddr, externalAddr, relayURL, relaySecret string, capabilities []string) control.PairingPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	payload := NewPayload(p.host.PublicB64U(), relayID, p.clock.Now().Unix(), lanAddr, externalAddr, relayURL, relaySecret, capabilities)
	p.currentPayload = &payload
	return payload
}

// PendingGate tracks the "at most one pairing request in flight per
// connection" rule (spec §4.8). Each session owns one PendingGate.
type PendingGate struct {
	mu      sync.Mutex
	pending bool
}

// Begin marks a pairing request as in flight, returning false if one is
// already pending on this connection.
func (g *PendingGate) Begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending {
		return false
	}
	g.pending = true
	return true
}

// End clears the in-flight marker.
func (g *PendingGate) End() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = false
}

// Submit validates and processes a PairingRequest against the most
// recently issued payload, invoking the approver and mutating the trust
// store on approval.
func (p *Protocol) Submit(ctx context.Context, req control.PairingRequest) control.PairingResponse {
	p.mu.Lock()
	payload := p.currentPayload
	p.mu.Unlock()
	if payload == nil {
		return control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: ReasonExpired}
	}

	mobilePub, err := keypair.DecodeB64U(req.MobilePublicKey)
	if err != nil {
		return control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: ReasonInvalidSignature}
	}
	sig, err := keypair.DecodeB64U(req.Signature)
	if err != nil {
		return control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: ReasonInvalidSignature}
	}
	desktopPub, err := keypair.DecodeB64U(payload.DesktopPublicKey)
	if err != nil {
		return control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: ReasonInvalidSignature}
	}

	msg := SignedMessage(desktopPub, req.Timestamp)
	if !keypair.Verify(mobilePub, msg, sig) {
		return control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: ReasonInvalidSignature}
	}

	delta := p.clock.Now().Unix() - req.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(p.cfg.FreshnessWindow/time.Second) {
		return control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: ReasonExpired}
	}

	if p.approver == nil {
		return control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: ReasonNoApprover}
	}

	summary := RequestSummary{
		MobilePublicKey: req.MobilePublicKey,
		DeviceName:      req.DeviceName,
		UserEmail:       req.UserEmail,
		Fingerprint:     trust.Fingerprint(req.MobilePublicKey),
	}

	outcome := p.callApprover(ctx, summary)
	switch outcome {
	case Approved:
		now := p.clock.Now().Unix()
		err := p.store.Add(ctx, trust.Device{
			PublicKey:  req.MobilePublicKey,
			UserEmail:  req.UserEmail,
			DeviceName: req.DeviceName,
			PairedAt:   now,
		})
		if err != nil {
			return control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: fmt.Sprintf("store_error: %v", err)}
		}
		return control.PairingResponse{Op: control.OpPairingResponse, Approved: true}
	case Timeout:
		return control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: ReasonTimeout}
	default:
		return control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: ReasonRejected}
	}
}

// callApprover serializes calls to the approver (spec §5) and enforces the
// approval deadline, treating a context deadline as Timeout.
func (p *Protocol) callApprover(ctx context.Context, summary RequestSummary) Outcome {
	p.approverMu.Lock()
	defer p.approverMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ApprovalTimeout)
	defer cancel()

	resultC := make(chan Outcome, 1)
	go func() {
		resultC <- p.approver.Approve(ctx, summary)
	}()

	select {
	case out := <-resultC:
		return out
	case <-ctx.Done():
		return Timeout
	}
}
