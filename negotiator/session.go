package negotiator

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/shynome/camrtc/signaler"
)

type pendingCandidate struct {
	sender    string
	candidate signaler.Candidate
}

// Session is one negotiation attempt. Apart from the atomic state and the
// done channel, its fields are owned by the engine's event loop.
type Session struct {
	ID    string
	Role  Role
	Topic string
	PC    PeerConnection

	// peer is the remote sender id, known once its description arrived.
	peer        string
	remoteSDP   string
	remoteSet   bool
	remoteUfrag string
	pending     []pendingCandidate
	seen        map[string]struct{}
	applied     int

	state atomic.Int32
	err   error
	done  chan struct{}
}

func newSession(id string, role Role, topic string) *Session {
	sess := &Session{
		ID:    id,
		Role:  role,
		Topic: topic,
		seen:  make(map[string]struct{}),
		done:  make(chan struct{}),
	}
	sess.setState(StateIdle)
	return sess
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Done is closed when the session reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed. Only valid after Done is closed.
func (s *Session) Err() error { return s.err }

// Peer returns the sender id of the remote side, empty until its
// description has been applied. Safe from engine callbacks and after Done.
func (s *Session) Peer() string { return s.peer }

func (s *Session) closed() bool { return s.State() == StateClosed }

// accepts reports whether a candidate from sender belongs to this session.
// Before the remote description arrives an initiator cannot know who will
// answer, so every sender is accepted and filtered later.
func (s *Session) accepts(sender string) bool {
	return s.peer == "" || s.peer == sender
}

func candidateKey(c signaler.Candidate) string {
	key := c.Candidate
	if c.UsernameFragment != nil {
		key = *c.UsernameFragment + "/" + key
	}
	return key
}

// stale reports whether c was gathered for a different ICE generation
// than the applied remote description.
func (s *Session) stale(c signaler.Candidate) bool {
	if c.UsernameFragment == nil || *c.UsernameFragment == "" || s.remoteUfrag == "" {
		return false
	}
	return *c.UsernameFragment != s.remoteUfrag
}

// bindPeer fixes the remote sender and discards buffered candidates of
// anybody else.
func (s *Session) bindPeer(sender string) {
	s.peer = sender
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.sender == sender {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

// remoteUfragOf extracts the ice-ufrag of desc, first at session level,
// then from the first media section carrying one.
func remoteUfragOf(desc webrtc.SessionDescription) (string, error) {
	parsed, err := desc.Unmarshal()
	if err != nil {
		return "", err
	}
	if v, ok := parsed.Attribute("ice-ufrag"); ok {
		return v, nil
	}
	for _, m := range parsed.MediaDescriptions {
		if v, ok := m.Attribute("ice-ufrag"); ok {
			return v, nil
		}
	}
	return "", nil
}
