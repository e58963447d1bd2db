package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

type messageKind string

const (
	kindOffer     messageKind = "offer"
	kindAnswer    messageKind = "answer"
	kindCandidate messageKind = "candidate"
	kindBye       messageKind = "bye"
	kindOther     messageKind = "other"
)

var errBadMessage = errors.New("bad signaling message")

// envelope is the part of a signaling payload the gateway looks at. Browsers
// send descriptions either flat ({"type":"offer","sdp":"v=0..."}) or nested
// ({"type":"offer","sdp":{"type":"offer","sdp":"v=0..."}}), and candidates
// either as an RTCIceCandidateInit object or flattened into the envelope.
type envelope struct {
	Type      string          `json:"type"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type signal struct {
	Kind        messageKind
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
}

func kindOf(typ string) messageKind {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "offer":
		return kindOffer
	case "answer":
		return kindAnswer
	case "candidate", "ice-candidate", "icecandidate":
		return kindCandidate
	case "bye", "close", "hangup":
		return kindBye
	default:
		return kindOther
	}
}

// classify labels a payload for metrics. It never fails: anything that is not
// a JSON object with a recognised type is "other".
func classify(payload []byte) messageKind {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return kindOther
	}
	return kindOf(env.Type)
}

// inspect parses payload and validates descriptions and candidates. Payloads
// of other types only need to be JSON objects carrying a type.
func inspect(payload []byte) (signal, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return signal{}, fmt.Errorf("%w: event must be a JSON object", errBadMessage)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return signal{}, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return signal{}, fmt.Errorf("%w: missing type", errBadMessage)
	}

	sig := signal{Kind: kindOf(env.Type)}
	switch sig.Kind {
	case kindOffer, kindAnswer:
		desc, err := env.description(sig.Kind)
		if err != nil {
			return signal{}, err
		}
		sig.Description = &desc
	case kindCandidate:
		init, err := env.candidate()
		if err != nil {
			return signal{}, err
		}
		sig.Candidate = &init
	}
	return sig, nil
}

func (e envelope) description(kind messageKind) (webrtc.SessionDescription, error) {
	if len(e.SDP) == 0 {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s missing sdp", errBadMessage, kind)
	}

	var raw string
	if err := json.Unmarshal(e.SDP, &raw); err != nil {
		var nested struct {
			Type string `json:"type"`
			SDP  string `json:"sdp"`
		}
		if err := json.Unmarshal(e.SDP, &nested); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp must be a string or a description object", errBadMessage)
		}
		if nested.Type != "" && kindOf(nested.Type) != kind {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: %s message has sdp.type=%q", errBadMessage, kind, nested.Type)
		}
		raw = nested.SDP
	}

	if strings.TrimSpace(raw) == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s has empty sdp", errBadMessage, kind)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: invalid sdp: %v", errBadMessage, err)
	}
	// The parser stops quietly at end of input, so a truncated body can
	// still parse. A usable description always carries an origin line.
	if parsed.Origin.Username == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp missing origin", errBadMessage)
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: raw}
	if kind == kindAnswer {
		desc.Type = webrtc.SDPTypeAnswer
	}
	return desc, nil
}

func (e envelope) candidate() (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if len(e.Candidate) == 0 {
		return init, fmt.Errorf("%w: candidate message missing candidate", errBadMessage)
	}

	var flat string
	if err := json.Unmarshal(e.Candidate, &flat); err == nil {
		init = webrtc.ICECandidateInit{
			Candidate:        flat,
			SDPMid:           e.SDPMid,
			SDPMLineIndex:    e.SDPMLineIndex,
			UsernameFragment: e.UsernameFragment,
		}
	} else if err := json.Unmarshal(e.Candidate, &init); err != nil {
		return init, fmt.Errorf("%w: candidate must be a string or an RTCIceCandidateInit object", errBadMessage)
	}

	// An empty candidate string signals end-of-candidates.
	if init.Candidate == "" {
		return init, nil
	}
	line := strings.TrimPrefix(init.Candidate, "a=")
	if !strings.HasPrefix(line, "candidate:") || len(strings.Fields(line)) < 8 {
		return init, fmt.Errorf("%w: malformed candidate %q", errBadMessage, init.Candidate)
	}
	if init.SDPMid == nil && init.SDPMLineIndex == nil {
		return init, fmt.Errorf("%w: candidate needs sdpMid or sdpMLineIndex", errBadMessage)
	}
	return init, nil
}
