package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// signalFrame builds a wire frame carrying the given payload object.
func signalFrame(t *testing.T, to string, payload string) []byte {
	t.Helper()
	return fmt.Appendf(nil, `{"to":%q,"payload":%s}`, to, payload)
}

// paddedPayload builds a payload object of exactly size serialized bytes.
func paddedPayload(t *testing.T, kind string, size int) string {
	t.Helper()
	prefix := fmt.Sprintf(`{"type":%q,"blob":"`, kind)
	suffix := `"}`
	fill := size - len(prefix) - len(suffix)
	if fill < 0 {
		t.Fatalf("size %d too small for padded %s payload", size, kind)
	}
	return prefix + strings.Repeat("a", fill) + suffix
}

func TestParseFrame_Valid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     []byte
		wantKind string
		wantTo   string
	}{
		{
			name:     "offer",
			data:     signalFrame(t, "peer-1", `{"type":"offer","sdp":"v=0"}`),
			wantKind: KindOffer,
			wantTo:   "peer-1",
		},
		{
			name:     "answer",
			data:     signalFrame(t, "peer-2", `{"type":"answer","sdp":"v=0"}`),
			wantKind: KindAnswer,
			wantTo:   "peer-2",
		},
		{
			name:     "candidate",
			data:     signalFrame(t, "peer-1", `{"type":"candidate","candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`),
			wantKind: KindCandidate,
			wantTo:   "peer-1",
		},
		{
			name:     "bye",
			data:     signalFrame(t, "peer-1", `{"type":"bye"}`),
			wantKind: KindBye,
			wantTo:   "peer-1",
		},
		{
			name:     "busy is a recognized kind",
			data:     signalFrame(t, "peer-1", `{"type":"busy"}`),
			wantKind: KindBusy,
			wantTo:   "peer-1",
		},
		{
			name:     "payload with leading whitespace",
			data:     []byte(`{"to":"p","payload":  {"type":"bye"}}`),
			wantKind: KindBye,
			wantTo:   "p",
		},
		{
			name:     "sdp at exactly the limit",
			data:     signalFrame(t, "p", paddedPayload(t, KindOffer, MaxSDPBytes)),
			wantKind: KindOffer,
			wantTo:   "p",
		},
		{
			name:     "candidate at exactly the limit",
			data:     signalFrame(t, "p", paddedPayload(t, KindCandidate, MaxCandidateBytes)),
			wantKind: KindCandidate,
			wantTo:   "p",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			frame, err := ParseFrame(tt.data)
			if err != nil {
				t.Fatalf("ParseFrame() error = %v", err)
			}
			if frame.List {
				t.Fatal("ParseFrame() returned a list frame")
			}
			if frame.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", frame.Kind, tt.wantKind)
			}
			if frame.To != tt.wantTo {
				t.Errorf("To = %q, want %q", frame.To, tt.wantTo)
			}
			if len(frame.Payload) == 0 {
				t.Error("Payload is empty")
			}
		})
	}
}

func TestParseFrame_List(t *testing.T) {
	t.Parallel()

	frame, err := ParseFrame([]byte(`{"type":"list"}`))
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	if !frame.List {
		t.Fatal("ParseFrame() did not recognize a list request")
	}
}

func TestParseFrame_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			name:    "not json",
			data:    []byte(`offer please`),
			wantErr: ErrMalformed,
		},
		{
			name:    "truncated json",
			data:    []byte(`{"to":"p","payload":{"type":`),
			wantErr: ErrMalformed,
		},
		{
			name:    "missing to",
			data:    []byte(`{"payload":{"type":"offer"}}`),
			wantErr: ErrMissingTo,
		},
		{
			name:    "to is a number",
			data:    []byte(`{"to":42,"payload":{"type":"offer"}}`),
			wantErr: ErrMissingTo,
		},
		{
			name:    "to is empty",
			data:    signalFrame(t, "", `{"type":"offer"}`),
			wantErr: ErrMissingTo,
		},
		{
			name:    "payload is a string",
			data:    []byte(`{"to":"p","payload":"offer"}`),
			wantErr: ErrPayloadShape,
		},
		{
			name:    "payload is an array",
			data:    []byte(`{"to":"p","payload":[1,2]}`),
			wantErr: ErrPayloadShape,
		},
		{
			name:    "payload missing",
			data:    []byte(`{"to":"p"}`),
			wantErr: ErrPayloadShape,
		},
		{
			name:    "unknown payload type",
			data:    signalFrame(t, "p", `{"type":"renegotiate"}`),
			wantErr: ErrUnknownKind,
		},
		{
			name:    "empty payload type",
			data:    signalFrame(t, "p", `{"sdp":"v=0"}`),
			wantErr: ErrUnknownKind,
		},
		{
			name:    "unknown frame type",
			data:    []byte(`{"type":"subscribe","to":"p"}`),
			wantErr: ErrUnknownVariant,
		},
		{
			name:    "sdp one byte over the limit",
			data:    signalFrame(t, "p", paddedPayload(t, KindOffer, MaxSDPBytes+1)),
			wantErr: ErrPayloadTooBig,
		},
		{
			name:    "answer over the limit",
			data:    signalFrame(t, "p", paddedPayload(t, KindAnswer, MaxSDPBytes+1)),
			wantErr: ErrPayloadTooBig,
		},
		{
			name:    "candidate one byte over the limit",
			data:    signalFrame(t, "p", paddedPayload(t, KindCandidate, MaxCandidateBytes+1)),
			wantErr: ErrPayloadTooBig,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseFrame(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseFrame() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRelayed_PayloadPassthrough(t *testing.T) {
	t.Parallel()

	payload := `{"type":"offer","sdp":"v=0\r\n","weird":[1,null,{"a":true}]}`
	frame, err := ParseFrame(signalFrame(t, "dest", payload))
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}

	out, err := json.Marshal(NewRelayed("sender", frame.Payload))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got struct {
		From    string          `json:"from"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.From != "sender" || got.Type != "signal" {
		t.Errorf("envelope = {from:%q type:%q}, want {from:\"sender\" type:\"signal\"}", got.From, got.Type)
	}
	if string(got.Payload) != payload {
		t.Errorf("payload not passed through verbatim:\n got %s\nwant %s", got.Payload, payload)
	}
}

func TestNewBusy(t *testing.T) {
	t.Parallel()

	out, err := json.Marshal(NewBusy("refuser"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"from":"refuser","type":"signal","payload":{"type":"busy"}}`
	if string(out) != want {
		t.Errorf("busy envelope = %s, want %s", out, want)
	}
}

func TestNewPeersReply_AlwaysEmpty(t *testing.T) {
	t.Parallel()

	out, err := json.Marshal(NewPeersReply())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"type":"peers","peers":[]}`
	if string(out) != want {
		t.Errorf("peers reply = %s, want %s", out, want)
	}
}
