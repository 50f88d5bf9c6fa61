// Package signaler defines the relay contract used as a rendezvous channel
// between peers that have no direct connectivity, and the signaling
// envelope carried over it.
package signaler

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

type SDP = webrtc.SessionDescription

type Candidate = webrtc.ICECandidateInit

// Relay is a publish/subscribe byte-stream service. Delivery is
// at-least-once and carries no ordering guarantee across senders.
type Relay interface {
	// Subscribe starts streaming events of topic. Subscribing to a topic
	// that is already subscribed returns the existing stream. The channel
	// is closed when the stream ends or the subscription is cancelled.
	Subscribe(ctx context.Context, topic string) (events <-chan Event, err error)
	Publish(ctx context.Context, topic string, message string) error
	Cancel(topic string) error

	Close() error
}

// Event names emitted by ntfy-style relays.
const (
	EventMessage   = "message"
	EventOpen      = "open"
	EventKeepalive = "keepalive"
)

// Event is one relay notification. Fields holds every attribute of the wire
// object except "event"; Topic is always set, even when the relay omits it.
type Event struct {
	ID      string
	Name    string
	Topic   string
	Message string
	Fields  map[string]any
}

func (ev Event) IsMessage() bool { return ev.Name == EventMessage }

var (
	ErrRelayClosed    = errors.New("relay is closed")
	ErrNotSubscribed  = errors.New("topic is not subscribed")
	ErrEmptyTopic     = errors.New("topic is required")
	ErrUnknownPayload = errors.New("envelope carries neither a description nor a candidate")
)
