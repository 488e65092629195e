// Package protocol defines the signaling wire format spoken between browser
// clients and the beamdrop relay.
//
// All messages are JSON objects. Inbound frames carry a destination peer code
// and an opaque payload whose "type" field discriminates the signal kind
// (offer, answer, candidate, bye). The relay never interprets payload
// internals beyond the discriminator and the serialized size; session
// descriptions and ICE candidates pass through as raw bytes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Size limits enforced at validation time. MaxFrameBytes is additionally
// applied as the WebSocket read limit, so an oversized frame fails at the
// transport layer before it is ever parsed.
const (
	// MaxFrameBytes caps a whole inbound frame (256 KiB).
	MaxFrameBytes = 256 << 10

	// MaxSDPBytes caps a serialized offer or answer payload.
	MaxSDPBytes = 200_000

	// MaxCandidateBytes caps a serialized candidate payload.
	MaxCandidateBytes = 50_000
)

// Signal kinds carried in the payload "type" field. Busy is synthesized by
// the relay when an offer is refused by pairing policy; clients never send it.
const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "candidate"
	KindBye       = "bye"
	KindBusy      = "busy"
)

// FrameTypeList requests the peer listing. The reply is always empty — peer
// enumeration is disallowed — the frame type exists only so clients get a
// well-formed answer instead of a validation error.
const FrameTypeList = "list"

// Validation errors returned by ParseFrame. Callers treat all of them the
// same way (count and drop the frame); the distinction exists for logs and
// tests.
var (
	ErrMalformed      = errors.New("protocol: frame is not valid JSON")
	ErrMissingTo      = errors.New(`protocol: "to" must be a non-empty string`)
	ErrPayloadShape   = errors.New(`protocol: "payload" must be a JSON object`)
	ErrUnknownKind    = errors.New("protocol: unrecognized payload type")
	ErrPayloadTooBig  = errors.New("protocol: payload exceeds size limit")
	ErrUnknownVariant = errors.New("protocol: unrecognized frame type")
)

// Frame is a validated inbound client frame.
//
// Exactly one of two shapes is produced by validation: a list request
// (List=true, all other fields zero) or a signal (To and Kind set, Payload
// holding the serialized payload object).
type Frame struct {
	List    bool
	To      string
	Kind    string
	Payload json.RawMessage
}

// RawFrame mirrors the wire shape before validation. To is kept raw so a
// non-string value is reported as a validation failure rather than a JSON
// decode failure.
type RawFrame struct {
	To      json.RawMessage `json:"to"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses the outer JSON shape of an inbound frame without validating
// it. A Decode failure means the frame was not JSON at all; the relay's
// token accounting treats that differently from a well-formed but invalid
// frame.
func Decode(data []byte) (*RawFrame, error) {
	var raw RawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &raw, nil
}

// Validate turns a decoded frame into a validated Frame, enforcing the field
// shapes and per-kind payload size limits.
func (raw *RawFrame) Validate() (*Frame, error) {
	if raw.Type == FrameTypeList {
		return &Frame{List: true}, nil
	}
	if raw.Type != "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, raw.Type)
	}

	var to string
	if err := json.Unmarshal(raw.To, &to); err != nil || to == "" || !utf8.ValidString(to) {
		return nil, ErrMissingTo
	}

	kind, err := payloadKind(raw.Payload)
	if err != nil {
		return nil, err
	}
	if err := checkPayloadSize(kind, len(raw.Payload)); err != nil {
		return nil, err
	}

	return &Frame{To: to, Kind: kind, Payload: raw.Payload}, nil
}

// ParseFrame decodes and validates an inbound frame in one step.
func ParseFrame(data []byte) (*Frame, error) {
	raw, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return raw.Validate()
}

// payloadKind extracts the "type" discriminator from the payload object.
func payloadKind(payload json.RawMessage) (string, error) {
	if !isJSONObject(payload) {
		return "", ErrPayloadShape
	}
	var disc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &disc); err != nil {
		return "", ErrPayloadShape
	}
	switch disc.Type {
	case KindOffer, KindAnswer, KindCandidate, KindBye, KindBusy:
		return disc.Type, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, disc.Type)
}

// checkPayloadSize enforces the per-kind serialized size limits. Session
// descriptions are allowed to be large, candidates are small, bye and busy
// are bounded by the frame limit alone.
func checkPayloadSize(kind string, size int) error {
	var limit int
	switch kind {
	case KindOffer, KindAnswer:
		limit = MaxSDPBytes
	case KindCandidate:
		limit = MaxCandidateBytes
	default:
		return nil
	}
	if size > limit {
		return fmt.Errorf("%w: %s payload is %d bytes (limit %d)", ErrPayloadTooBig, kind, size, limit)
	}
	return nil
}

// isJSONObject reports whether data starts a JSON object, skipping leading
// whitespace.
func isJSONObject(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// Welcome is sent once, immediately after the upgrade, announcing the peer
// code the relay minted for this connection.
type Welcome struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewWelcome builds the welcome frame for a freshly minted peer code.
func NewWelcome(code string) Welcome {
	return Welcome{Type: "welcome", ID: code}
}

// PeersReply answers a list request. Peers is always empty but the field is
// emitted so clients can rely on its presence.
type PeersReply struct {
	Type  string   `json:"type"`
	Peers []string `json:"peers"`
}

// NewPeersReply builds the (always empty) peer listing reply.
func NewPeersReply() PeersReply {
	return PeersReply{Type: "peers", Peers: []string{}}
}

// Relayed is the outbound envelope wrapping a forwarded signal. From names
// the sending peer; Payload is the sender's payload object, byte-for-byte.
type Relayed struct {
	From    string          `json:"from"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewRelayed wraps a forwarded payload in the outbound envelope.
func NewRelayed(from string, payload json.RawMessage) Relayed {
	return Relayed{From: from, Type: "signal", Payload: payload}
}

// NewBusy synthesizes the busy rejection the relay sends when an offer is
// refused by pairing policy. On the wire it is indistinguishable from a
// relayed signal sent by the refusing peer.
func NewBusy(from string) Relayed {
	return NewRelayed(from, json.RawMessage(`{"type":"busy"}`))
}
