package negotiator

import (
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the part of *webrtc.PeerConnection the engine drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// NewPeerConnection builds the connection for a new session. The
// orchestrator attaches tracks and data channels here, before any
// description is created.
type NewPeerConnection func(sess *Session) (PeerConnection, error)
