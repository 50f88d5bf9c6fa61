package signaler

import (
	"errors"
	"testing"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v4"
)

func TestParseEvent(t *testing.T) {
	ev := try.To1(ParseEvent([]byte(`{"id":"a1","time":1,"event":"message","topic":"wrtc","message":"u:e30="}`), "other"))
	assert.Equal(ev.Name, EventMessage)
	assert.Equal(ev.ID, "a1")
	assert.Equal(ev.Topic, "wrtc")
	assert.Equal(ev.Message, "u:e30=")
	_, hasEvent := ev.Fields["event"]
	assert.That(!hasEvent, "event key should be removed from fields")

	ev = try.To1(ParseEvent([]byte(`{"event":"keepalive"}`), "wrtc"))
	assert.Equal(ev.Name, EventKeepalive)
	assert.Equal(ev.Topic, "wrtc")
	assert.Equal(ev.Fields["topic"], any("wrtc"))
	assert.That(!ev.IsMessage(), "keepalive is not a message")

	_, err := ParseEvent([]byte(`not json`), "wrtc")
	assert.That(err != nil, "garbage should fail")
}

func TestEnvelopeJSON(t *testing.T) {
	env := NewDescriptionEnvelope("me", SDP{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	b := try.To1(env.MarshalJSON())
	var back Envelope
	try.To(back.UnmarshalJSON(b))
	assert.Equal(back.SenderID, "me")
	assert.That(back.Description != nil, "description expected")
	assert.Equal(back.Description.SDP, "v=0")
	assert.That(back.IsEcho("me"), "same sender is an echo")
	assert.That(!back.IsEcho("you"), "other sender is not an echo")

	var bad Envelope
	assert.That(errors.Is(bad.UnmarshalJSON([]byte(`{"clientId":"x","type":"bogus"}`)), ErrUnknownPayload), "want ErrUnknownPayload")
}
