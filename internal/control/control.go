// Package control defines the JSON objects carried inside frame.TypeControl
// frames: the request/response vocabulary the session dispatcher routes.
package control

import "encoding/json"

// Operation names. These are the values of the required "op" string field.
const (
	OpListPanes                = "list_panes"
	OpAttach                   = "attach"
	OpPaste                    = "paste"
	OpResize                   = "resize"
	OpPairingPayload           = "pairing_payload"
	OpPairingSubmit            = "pairing_submit"
	OpPairingListTrustedDevices = "pairing_list_trusted_devices"
	OpRevokeDevice             = "revoke_device"
	OpAuthResponse             = "auth_response"

	OpAttachOk        = "attach_ok"
	OpPairingResponse = "pairing_response"
	OpAuthChallenge   = "auth_challenge"
	OpAuthSuccess     = "auth_success"
	OpClipboardPush   = "clipboard_push"
	OpError           = "error"
	OpOk              = "ok"
)

// Envelope is the shape every control frame's JSON must at least satisfy:
// a required "op" discriminator. Callers re-unmarshal into a concrete type
// once op is known.
type Envelope struct {
	Op string `json:"op"`
}

// PaneInfo is a point-in-time snapshot of a pane; not live.
type PaneInfo struct {
	PaneID int    `json:"pane_id"`
	Title  string `json:"title"`
}

// ListPanesResponse answers OpListPanes.
type ListPanesResponse struct {
	Op    string     `json:"op"`
	Panes []PaneInfo `json:"panes"`
}

// AttachRequest carries the pane to attach to.
type AttachRequest struct {
	Op     string `json:"op"`
	PaneID int    `json:"pane_id"`
}

// AttachOkResponse confirms a successful attach.
type AttachOkResponse struct {
	Op     string `json:"op"`
	PaneID int    `json:"pane_id"`
}

// PasteRequest writes text into a pane; no success response is sent.
type PasteRequest struct {
	Op     string `json:"op"`
	PaneID int    `json:"pane_id"`
	Text   string `json:"text"`
}

// ResizeRequest changes a pane's terminal dimensions; no success response.
type ResizeRequest struct {
	Op     string `json:"op"`
	PaneID int    `json:"pane_id"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
}

// PairingPayload is the time-stamped public-key advertisement a host emits
// for QR display. It is self-describing and not itself signed.
type PairingPayload struct {
	DesktopPublicKey string   `json:"desktop_public_key"`
	RelayID          string   `json:"relay_id"`
	Timestamp        int64    `json:"timestamp"`
	Version          int      `json:"version"`
	LanAddr          string   `json:"lan_addr,omitempty"`
	ExternalAddr     string   `json:"external_addr,omitempty"`
	RelayURL         string   `json:"relay_url,omitempty"`
	RelaySecret      string   `json:"relay_secret,omitempty"`
	Capabilities     []string `json:"capabilities"`
}

// PairingPayloadResponse wraps PairingPayload for the wire.
type PairingPayloadResponse struct {
	Op      string         `json:"op"`
	Payload PairingPayload `json:"payload"`
}

// PairingRequest is submitted by a mobile client that scanned a
// PairingPayload. Signature is computed over
// desktop_public_key_bytes ‖ int64_le(timestamp) using the mobile private key.
type PairingRequest struct {
	MobilePublicKey string `json:"mobile_public_key"`
	Signature       string `json:"signature"`
	UserEmail       string `json:"user_email"`
	DeviceName      string `json:"device_name"`
	Timestamp       int64  `json:"timestamp"`
}

// PairingSubmitRequest wraps a PairingRequest for the wire.
type PairingSubmitRequest struct {
	Op      string         `json:"op"`
	Request PairingRequest `json:"request"`
}

// PairingResponse answers OpPairingSubmit.
type PairingResponse struct {
	Op       string `json:"op"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// TrustedDeviceView is the redacted form of trust.Device sent to clients:
// it omits nothing security-sensitive since the public key is not a secret,
// but it is still a separate wire type so storage and wire shapes can
// diverge independently.
type TrustedDeviceView struct {
	PublicKey  string `json:"public_key"`
	UserEmail  string `json:"user_email"`
	DeviceName string `json:"device_name"`
	PairedAt   int64  `json:"paired_at"`
	LastSeen   int64  `json:"last_seen,omitempty"`
}

// TrustedDevicesResponse answers OpPairingListTrustedDevices.
type TrustedDevicesResponse struct {
	Op      string              `json:"op"`
	Devices []TrustedDeviceView `json:"devices"`
}

// RevokeDeviceRequest asks the host to drop a trusted device.
type RevokeDeviceRequest struct {
	Op        string `json:"op"`
	PublicKey string `json:"public_key"`
}

// OkResponse is a generic success acknowledgement.
type OkResponse struct {
	Op string `json:"op"`
}

// ErrorResponse reports a failure without closing the connection, unless
// the caller decides otherwise based on context.
type ErrorResponse struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// AuthChallenge is server-initiated: the first frame after accept.
type AuthChallenge struct {
	Op    string `json:"op"`
	Nonce string `json:"nonce"`
}

// AuthResponseRequest answers an AuthChallenge.
type AuthResponseRequest struct {
	Op          string `json:"op"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	ClientNonce string `json:"client_nonce,omitempty"`
}

// AuthSuccess is sent once the host has verified the client and signed the
// client's nonce back.
type AuthSuccess struct {
	Op        string `json:"op"`
	Signature string `json:"signature,omitempty"`
}

// ClipboardPush is an optional host-to-client control frame.
type ClipboardPush struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

// DecodeOp extracts just the "op" discriminator from raw control JSON.
func DecodeOp(payload []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", err
	}
	return env.Op, nil
}

// Marshal is a small convenience wrapper so callers don't import
// encoding/json directly just to serialize a response value.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
