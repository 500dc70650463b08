package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ianremillard/lucidity-host/internal/auth"
	"github.com/ianremillard/lucidity-host/internal/control"
	"github.com/ianremillard/lucidity-host/internal/fanout"
	"github.com/ianremillard/lucidity-host/internal/frame"
	"github.com/ianremillard/lucidity-host/internal/keypair"
)

// handleFrame routes one decoded frame to the control or input path.
func (s *Session) handleFrame(ctx context.Context, f frame.Frame) error {
	switch f.Type {
	case frame.TypeControl:
		return s.handleControl(ctx, f.Payload)
	case frame.TypeInput:
		s.handleInput(ctx, f.Payload)
		return nil
	default:
		s.log.Warn().Int("frame_type", int(f.Type)).Msg("protocol violation: unexpected frame type")
		return fmt.Errorf("session: unexpected frame type %d", f.Type)
	}
}

// handleInput writes client stdin into the attached pane. Pane-input
// frames received outside ATTACHED are dropped and logged; they must never
// close the connection (spec §4.11).
func (s *Session) handleInput(ctx context.Context, payload []byte) {
	s.mu.Lock()
	state := s.state
	paneID := s.attachedPaneID
	s.mu.Unlock()

	if state != StateAttached || paneID == nil {
		s.log.Debug().Msg("dropping input frame: not attached")
		return
	}
	if err := s.deps.Bridge.Write(ctx, *paneID, payload); err != nil {
		s.log.Warn().Err(err).Int("pane_id", *paneID).Msg("pane write failed")
		s.sendError(fmt.Sprintf("write failed: %v", err))
	}
}

// handleControl decodes the "op" discriminator and routes to the
// appropriate handler, gating each op per the state/authentication rules
// of spec §4.2/§4.11.
func (s *Session) handleControl(ctx context.Context, payload []byte) error {
	op, err := control.DecodeOp(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("protocol violation: malformed control json")
		return fmt.Errorf("session: malformed control frame: %w", err)
	}

	s.mu.Lock()
	state := s.state
	authenticated := s.authenticated
	loopback := s.loopback
	s.mu.Unlock()

	// Ops allowed regardless of auth/state: pairing bootstraps trust, so it
	// must work before a device has any trust to rely on (spec §4.8).
	switch op {
	case control.OpPairingPayload:
		s.handlePairingPayload()
		return nil
	case control.OpPairingSubmit:
		s.handlePairingSubmit(ctx, payload)
		return nil
	}

	if state == StateAuthenticating {
		if op == control.OpAuthResponse {
			return s.handleAuthResponse(ctx, payload)
		}
		s.log.Warn().Str("op", op).Msg("protocol violation: op not allowed during authentication")
		s.sendError("unexpected op during authentication")
		return fmt.Errorf("session: op %q not allowed in state %s", op, state)
	}

	if state != StateReady && state != StateAttached {
		s.log.Warn().Str("op", op).Str("state", state.String()).Msg("protocol violation: unexpected op for state")
		return fmt.Errorf("session: op %q not allowed in state %s", op, state)
	}

	switch op {
	case control.OpListPanes:
		if !authenticated && !loopback {
			s.sendError("authentication required")
			return nil
		}
		s.handleListPanes(ctx)
		return nil

	case control.OpAttach:
		s.handleAttach(ctx, payload)
		return nil

	case control.OpPairingListTrustedDevices:
		if !authenticated {
			s.sendError("authentication required")
			return nil
		}
		s.handleListTrustedDevices(ctx)
		return nil

	case control.OpRevokeDevice:
		if !authenticated {
			s.sendError("authentication required")
			return nil
		}
		s.handleRevokeDevice(ctx, payload)
		return nil

	case control.OpResize:
		if state != StateAttached {
			s.sendError("not attached")
			return nil
		}
		s.handleResize(ctx, payload)
		return nil

	case control.OpPaste:
		if state != StateAttached {
			s.sendError("not attached")
			return nil
		}
		s.handlePaste(ctx, payload)
		return nil

	default:
		s.log.Info().Str("op", op).Msg("unknown control op")
		s.sendError("unknown op: " + op)
		return nil
	}
}

func (s *Session) handleListPanes(ctx context.Context) {
	panes, err := s.deps.Bridge.List(ctx)
	if err != nil {
		s.sendError(fmt.Sprintf("list_panes failed: %v", err))
		return
	}
	out := make([]control.PaneInfo, 0, len(panes))
	for _, p := range panes {
		out = append(out, control.PaneInfo{PaneID: p.PaneID, Title: p.Title})
	}
	s.sendControl(control.ListPanesResponse{Op: control.OpListPanes, Panes: out})
}

func (s *Session) handleAttach(ctx context.Context, payload []byte) {
	var req control.AttachRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError("malformed attach request")
		return
	}

	// Re-attaching cancels the prior subscription before installing a new
	// one (spec invariant: no double delivery).
	s.mu.Lock()
	prevSub := s.sub
	s.sub = nil
	s.attachedPaneID = nil
	s.mu.Unlock()
	if prevSub != nil {
		prevSub.Close()
	}

	sub, err := s.deps.Fanout.Subscribe(ctx, req.PaneID, s.cfg.OverflowPolicy, s.cfg.SubscriberQueueDepth)
	if err != nil {
		s.sendError(fmt.Sprintf("attach failed: %v", err))
		return
	}

	paneID := req.PaneID
	s.mu.Lock()
	s.sub = sub
	s.attachedPaneID = &paneID
	s.state = StateAttached
	s.mu.Unlock()

	s.log.Info().Int("pane_id", paneID).Msg("attached")
	s.sendControl(control.AttachOkResponse{Op: control.OpAttachOk, PaneID: paneID})

	if rp, ok := s.deps.Bridge.(interface{ ReplayBuffer(int) []byte }); ok {
		if replay := rp.ReplayBuffer(paneID); len(replay) > 0 {
			s.enqueue(outMsg{frameType: frame.TypeOutput, payload: replay})
		}
	}

	go s.forwardOutput(ctx, sub, paneID)
}

// forwardOutput copies chunks from sub to the outbox until the
// subscription ends, then — if this subscription is still the session's
// current one — transitions back to READY and reports pane_closed, per
// spec §4.11.
func (s *Session) forwardOutput(ctx context.Context, sub *fanout.Subscription, paneID int) {
	for chunk := range sub.Chunks() {
		s.enqueue(outMsg{frameType: frame.TypeOutput, payload: chunk})
	}

	s.mu.Lock()
	stillCurrent := s.sub == sub
	if stillCurrent {
		s.sub = nil
		s.attachedPaneID = nil
		if s.state == StateAttached {
			s.state = StateReady
		}
	}
	s.mu.Unlock()

	if stillCurrent {
		s.log.Info().Int("pane_id", paneID).Msg("pane closed, returning to ready")
		s.sendError("pane_closed")
	}
}

func (s *Session) handleResize(ctx context.Context, payload []byte) {
	var req control.ResizeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError("malformed resize request")
		return
	}
	s.mu.Lock()
	paneID := s.attachedPaneID
	s.mu.Unlock()
	if paneID == nil || *paneID != req.PaneID {
		s.sendError("not attached to pane")
		return
	}
	if err := s.deps.Bridge.Resize(ctx, req.PaneID, req.Rows, req.Cols); err != nil {
		s.sendError(fmt.Sprintf("resize failed: %v", err))
	}
}

func (s *Session) handlePaste(ctx context.Context, payload []byte) {
	var req control.PasteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError("malformed paste request")
		return
	}
	s.mu.Lock()
	paneID := s.attachedPaneID
	s.mu.Unlock()
	if paneID == nil || *paneID != req.PaneID {
		s.sendError("not attached to pane")
		return
	}
	if err := s.deps.Bridge.Paste(ctx, req.PaneID, req.Text); err != nil {
		s.sendError(fmt.Sprintf("paste failed: %v", err))
	}
}

func (s *Session) handlePairingPayload() {
	payload := s.deps.Pairing.CurrentPayload(s.deps.RelayID, "", "", "", "", nil)
	s.sendControl(control.PairingPayloadResponse{Op: control.OpPairingPayload, Payload: payload})
}

func (s *Session) handlePairingSubmit(ctx context.Context, payload []byte) {
	var req control.PairingSubmitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError("malformed pairing_submit request")
		return
	}

	if !s.pendingGate.Begin() {
		s.sendControl(control.PairingResponse{Op: control.OpPairingResponse, Approved: false, Reason: "busy"})
		return
	}
	defer s.pendingGate.End()

	resp := s.deps.Pairing.Submit(ctx, req.Request)
	s.sendControl(resp)
}

func (s *Session) handleListTrustedDevices(ctx context.Context) {
	devices, err := s.deps.Trust.List(ctx)
	if err != nil {
		s.sendError(fmt.Sprintf("list failed: %v", err))
		return
	}
	out := make([]control.TrustedDeviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, control.TrustedDeviceView{
			PublicKey:  d.PublicKey,
			UserEmail:  d.UserEmail,
			DeviceName: d.DeviceName,
			PairedAt:   d.PairedAt,
			LastSeen:   d.LastSeen,
		})
	}
	s.sendControl(control.TrustedDevicesResponse{Op: control.OpPairingListTrustedDevices, Devices: out})
}

func (s *Session) handleRevokeDevice(ctx context.Context, payload []byte) {
	var req control.RevokeDeviceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError("malformed revoke_device request")
		return
	}
	if err := s.deps.Trust.Remove(ctx, req.PublicKey); err != nil {
		s.sendError(fmt.Sprintf("revoke failed: %v", err))
		return
	}
	s.sendControl(control.OkResponse{Op: control.OpOk})
}

// handleAuthResponse verifies the client's signature and trust-store
// membership, then completes the mutual handshake (spec §4.9).
func (s *Session) handleAuthResponse(ctx context.Context, payload []byte) error {
	var req control.AuthResponseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("session: malformed auth_response: %w", err)
	}

	s.mu.Lock()
	serverNonce := s.serverNonce
	s.mu.Unlock()

	pub, err := keypair.DecodeB64U(req.PublicKey)
	if err != nil {
		s.sendError("unknown_device")
		return fmt.Errorf("session: bad public key encoding: %w", err)
	}
	sig, err := keypair.DecodeB64U(req.Signature)
	if err != nil {
		s.sendError("invalid_signature")
		return fmt.Errorf("session: bad signature encoding: %w", err)
	}

	if verr := auth.VerifyClientSignature(pub, serverNonce, sig); verr != nil {
		s.sendError("invalid_signature")
		return verr
	}

	if _, err := s.deps.Trust.Get(ctx, req.PublicKey); err != nil {
		s.sendError("unknown_device")
		return fmt.Errorf("session: %w", auth.ErrUnknownDevice)
	}

	var hostSig []byte
	if len(req.ClientNonce) > 0 {
		clientNonce, err := keypair.DecodeB64U(req.ClientNonce)
		if err != nil {
			s.sendError("invalid_client_nonce")
			return fmt.Errorf("session: bad client nonce encoding: %w", err)
		}
		hostSig = auth.SignClientNonce(s.deps.Host, clientNonce)
	}

	s.mu.Lock()
	s.authenticated = true
	s.publicKey = req.PublicKey
	s.state = StateReady
	s.mu.Unlock()

	s.sendControl(control.AuthSuccess{Op: control.OpAuthSuccess, Signature: keypair.EncodeB64U(hostSig)})

	now := s.deps.Clock.Now().Unix()
	if err := s.deps.Trust.Touch(ctx, req.PublicKey, now); err != nil {
		s.log.Warn().Err(err).Msg("failed to update last_seen")
	}

	s.log.Info().Str("public_key", req.PublicKey).Msg("authenticated")
	return nil
}
