package signaler

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Envelope wraps one signaling payload with the identity of its sender.
// Exactly one of Description and Candidate is set.
type Envelope struct {
	SenderID    string
	Description *SDP
	Candidate   *Candidate
}

// wireEnvelope is the flat form browsers produce with
// `{clientId, ...desc.toJSON()}` / `{clientId, ...candidate.toJSON()}`.
type wireEnvelope struct {
	ClientID         string  `json:"clientId"`
	Type             string  `json:"type,omitempty"`
	SDP              string  `json:"sdp,omitempty"`
	Candidate        *string `json:"candidate,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func NewDescriptionEnvelope(sender string, desc SDP) Envelope {
	return Envelope{SenderID: sender, Description: &desc}
}

func NewCandidateEnvelope(sender string, c Candidate) Envelope {
	return Envelope{SenderID: sender, Candidate: &c}
}

// IsEcho reports whether env was sent by self. Relays fan messages out to
// every subscriber, including the publisher.
func (env Envelope) IsEcho(self string) bool {
	return env.SenderID != "" && env.SenderID == self
}

func (env Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{ClientID: env.SenderID}
	switch {
	case env.Candidate != nil:
		c := env.Candidate
		w.Candidate = &c.Candidate
		w.SDPMid = c.SDPMid
		w.SDPMLineIndex = c.SDPMLineIndex
		w.UsernameFragment = c.UsernameFragment
	case env.Description != nil:
		w.Type = env.Description.Type.String()
		w.SDP = env.Description.SDP
	default:
		return nil, ErrUnknownPayload
	}
	return json.Marshal(w)
}

func (env *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*env = Envelope{SenderID: w.ClientID}
	if w.Candidate != nil {
		env.Candidate = &Candidate{
			Candidate:        *w.Candidate,
			SDPMid:           w.SDPMid,
			SDPMLineIndex:    w.SDPMLineIndex,
			UsernameFragment: w.UsernameFragment,
		}
		return nil
	}
	switch t := webrtc.NewSDPType(w.Type); t {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer, webrtc.SDPTypeRollback:
		env.Description = &SDP{Type: t, SDP: w.SDP}
		return nil
	}
	return ErrUnknownPayload
}
