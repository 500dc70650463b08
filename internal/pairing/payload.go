// Package pairing implements the pairing payload/QR URL (spec §4.6) and the
// pairing request/approval protocol (spec §4.8).
package pairing

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/ianremillard/lucidity-host/internal/control"
)

// URLScheme and urlHost are the fixed pieces of the pairing URL:
// lucidity://pair?data=<b64u(json)>.
const (
	URLScheme = "lucidity"
	urlHost   = "pair"
	// PayloadVersion is the current PairingPayload schema version.
	PayloadVersion = 1
)

var b64u = base64.RawURLEncoding

// ErrBadURL is returned by ParseURL when the URL's scheme, host, or data
// query parameter is missing or malformed.
var ErrBadURL = errors.New("pairing: malformed pairing url")

// NewPayload builds a fresh PairingPayload for the given host public key
// (b64u), relay id, and addressing/capability fields, stamped with now
// (unix seconds).
func NewPayload(desktopPublicKeyB64U, relayID string, now int64, lanAddr, externalAddr, relayURL, relaySecret string, capabilities []string) control.PairingPayload {
	return control.PairingPayload{
		DesktopPublicKey: desktopPublicKeyB64U,
		RelayID:          relayID,
		Timestamp:        now,
		Version:          PayloadVersion,
		LanAddr:          lanAddr,
		ExternalAddr:     externalAddr,
		RelayURL:         relayURL,
		RelaySecret:      relaySecret,
		Capabilities:     capabilities,
	}
}

// EncodeURL renders payload as lucidity://pair?data=<b64u(utf8(json))>.
func EncodeURL(payload control.PairingPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("pairing: marshal payload: %w", err)
	}
	data := b64u.EncodeToString(raw)
	u := url.URL{
		Scheme:   URLScheme,
		Host:     urlHost,
		RawQuery: url.Values{"data": {data}}.Encode(),
	}
	return u.String(), nil
}

// ParseURL parses a lucidity://pair?data=... URL back into a PairingPayload.
// Decoding failure is fatal only for that payload, never for the session
// that requested it.
func ParseURL(raw string) (control.PairingPayload, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return control.PairingPayload{}, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme != URLScheme || u.Host != urlHost {
		return control.PairingPayload{}, ErrBadURL
	}
	data := u.Query().Get("data")
	if data == "" {
		return control.PairingPayload{}, ErrBadURL
	}
	raw2, err := b64u.DecodeString(data)
	if err != nil {
		return control.PairingPayload{}, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	var payload control.PairingPayload
	if err := json.Unmarshal(raw2, &payload); err != nil {
		return control.PairingPayload{}, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	return payload, nil
}

// SignedMessage returns the exact byte sequence a mobile client signs when
// submitting a PairingRequest: desktop_public_key_bytes ‖ int64_le(timestamp).
func SignedMessage(desktopPublicKey []byte, timestamp int64) []byte {
	msg := make([]byte, len(desktopPublicKey)+8)
	copy(msg, desktopPublicKey)
	binary.LittleEndian.PutUint64(msg[len(desktopPublicKey):], uint64(timestamp))
	return msg
}
