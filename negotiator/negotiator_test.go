package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v4"
	"github.com/shynome/camrtc/envelope"
	"github.com/shynome/camrtc/signaler"
	"github.com/shynome/camrtc/signaler/local"
)

type fakePC struct {
	mu      sync.Mutex
	calls   []string
	failSet error

	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
	closed      bool
}

var _ PeerConnection = (*fakePC)(nil)

func (pc *fakePC) record(call string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.calls = append(pc.calls, call)
}

func (pc *fakePC) Calls() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]string(nil), pc.calls...)
}

func (pc *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	pc.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (pc *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	pc.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (pc *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc.record("local:" + desc.Type.String())
	return nil
}

func (pc *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.record("remote:" + desc.Type.String())
	return pc.failSet
}

func (pc *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc.record("candidate:" + c.Candidate)
	return nil
}

func (pc *fakePC) OnICECandidate(f func(*webrtc.ICECandidate)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onCandidate = f
}

func (pc *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onState = f
}

func (pc *fakePC) Close() error {
	pc.record("close")
	pc.mu.Lock()
	pc.closed = true
	pc.mu.Unlock()
	return nil
}

func (pc *fakePC) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *fakePC) setState(st webrtc.PeerConnectionState) {
	pc.mu.Lock()
	f := pc.onState
	pc.mu.Unlock()
	f(st)
}

type harness struct {
	t      *testing.T
	hub    *local.Hub
	engine *Engine
	remote *local.Client
	pcs    chan *fakePC
	newPC  func() *fakePC
}

func newHarness(t *testing.T, role Role) *harness {
	h := &harness{
		t:     t,
		hub:   local.NewHub(),
		pcs:   make(chan *fakePC, 4),
		newPC: func() *fakePC { return &fakePC{} },
	}
	h.remote = h.hub.NewClient()
	h.engine = try.To1(New(Options{
		Relay:    h.hub.NewClient(),
		Topic:    "wrtc",
		Role:     role,
		SenderID: "self",
		NewPeerConnection: func(*Session) (PeerConnection, error) {
			pc := h.newPC()
			h.pcs <- pc
			return pc, nil
		},
		ResubscribeDelay: 50 * time.Millisecond,
	}))
	try.To(h.engine.Start(context.Background()))
	t.Cleanup(func() {
		h.engine.Close()
		h.remote.Close()
	})
	return h
}

func (h *harness) send(env signaler.Envelope) {
	msg := try.To1(envelope.Seal(env))
	try.To(h.remote.Publish(context.Background(), "wrtc", msg))
}

func (h *harness) sendRaw(msg string) {
	try.To(h.remote.Publish(context.Background(), "wrtc", msg))
}

func (h *harness) offer(sender string) {
	h.send(signaler.NewDescriptionEnvelope(sender, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + sender}))
}

func (h *harness) candidate(sender, c string) {
	h.send(signaler.NewCandidateEnvelope(sender, webrtc.ICECandidateInit{Candidate: c}))
}

func (h *harness) nextPC() *fakePC {
	select {
	case pc := <-h.pcs:
		return pc
	case <-time.After(2 * time.Second):
		h.t.Fatal("no peer connection created")
	}
	return nil
}

// eventually polls cond until it holds.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitCalls(t *testing.T, pc *fakePC, n int) []string {
	t.Helper()
	eventually(t, func() bool { return len(pc.Calls()) >= n }, fmt.Sprintf("expected %d calls", n))
	return pc.Calls()
}

func TestCandidatesBeforeOffer(t *testing.T) {
	h := newHarness(t, RoleResponder)
	assert.Equal(h.engine.State(), StateAwaitingOffer)

	h.candidate("op", "c1")
	h.candidate("op", "c2")
	h.candidate("op", "c1") // redelivery
	h.offer("op")

	pc := h.nextPC()
	calls := waitCalls(t, pc, 5)
	assert.Equal(fmt.Sprint(calls[:5]), fmt.Sprint([]string{
		"remote:offer",
		"candidate:c1",
		"candidate:c2",
		"create-answer",
		"local:answer",
	}))

	// after the description, candidates are applied as they arrive
	h.candidate("op", "c3")
	h.candidate("op", "c3")
	eventually(t, func() bool {
		calls := pc.Calls()
		return calls[len(calls)-1] == "candidate:c3"
	}, "c3 not applied")
	time.Sleep(50 * time.Millisecond)
	count := 0
	for _, c := range pc.Calls() {
		if c == "candidate:c3" {
			count++
		}
	}
	assert.Equal(count, 1)
}

func TestCandidatesAfterOffer(t *testing.T) {
	h := newHarness(t, RoleResponder)
	h.offer("op")
	pc := h.nextPC()
	waitCalls(t, pc, 3)
	h.candidate("op", "c1")
	h.candidate("op", "c2")
	calls := waitCalls(t, pc, 5)
	assert.Equal(calls[0], "remote:offer")
	assert.Equal(calls[3], "candidate:c1")
	assert.Equal(calls[4], "candidate:c2")
}

func TestAnswerIsPublished(t *testing.T) {
	h := newHarness(t, RoleResponder)
	events := try.To1(h.remote.Subscribe(context.Background(), "wrtc"))
	h.offer("op")
	h.nextPC()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			env, err := envelope.Open(ev.Message)
			if err != nil || env.SenderID != "self" {
				continue
			}
			assert.That(env.Description != nil, "answer expected")
			assert.Equal(env.Description.Type, webrtc.SDPTypeAnswer)
			assert.Equal(env.Description.SDP, "fake-answer")
			return
		case <-timeout:
			t.Fatal("answer not published")
		}
	}
}

func TestSelfEcho(t *testing.T) {
	h := newHarness(t, RoleResponder)
	h.offer("self")
	h.candidate("self", "c1")
	h.offer("op")
	pc := h.nextPC()
	calls := waitCalls(t, pc, 3)
	assert.Equal(calls[0], "remote:offer")
	select {
	case <-h.pcs:
		t.Fatal("echoed offer created a session")
	case <-time.After(50 * time.Millisecond):
	}
	for _, c := range pc.Calls() {
		assert.That(c != "candidate:c1", "echoed candidate applied")
	}
}

func TestOtherSenderCandidatesIgnored(t *testing.T) {
	h := newHarness(t, RoleResponder)
	h.offer("op")
	pc := h.nextPC()
	waitCalls(t, pc, 3)
	h.candidate("intruder", "x1")
	h.candidate("op", "c1")
	eventually(t, func() bool {
		calls := pc.Calls()
		return calls[len(calls)-1] == "candidate:c1"
	}, "c1 not applied")
	for _, c := range pc.Calls() {
		assert.That(c != "candidate:x1", "candidate of another sender applied")
	}
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	h := newHarness(t, RoleResponder)
	h.sendRaw("u:!!!not-base64")
	h.sendRaw("c:bm90LXpsaWI=")
	h.sendRaw(`u:eyJjbGllbnRJZCI6Im9wIn0=`)
	h.offer("op")
	pc := h.nextPC()
	calls := waitCalls(t, pc, 1)
	assert.Equal(calls[0], "remote:offer")
}

func TestConnectedAndClosed(t *testing.T) {
	h := newHarness(t, RoleResponder)
	connected := make(chan *Session, 1)
	closed := make(chan error, 1)
	h.engine.OnConnected(func(s *Session) { connected <- s })
	h.engine.OnClosed(func(s *Session, err error) { closed <- err })

	h.offer("op")
	pc := h.nextPC()
	waitCalls(t, pc, 3)
	pc.setState(webrtc.PeerConnectionStateConnected)
	select {
	case s := <-connected:
		assert.Equal(s.Peer(), "op")
		assert.Equal(s.State(), StateConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("not connected")
	}
	assert.Equal(h.engine.State(), StateConnected)

	pc.setState(webrtc.PeerConnectionStateDisconnected)
	select {
	case err := <-closed:
		assert.That(errors.Is(err, ErrPeerGone), "peer gone expected")
	case <-time.After(2 * time.Second):
		t.Fatal("not closed")
	}
	eventually(t, func() bool { return h.engine.State() == StateAwaitingOffer }, "responder should wait for a new offer")
	assert.That(pc.isClosed(), "peer connection should be closed")
}

func TestApplyErrorAborts(t *testing.T) {
	h := newHarness(t, RoleResponder)
	h.newPC = func() *fakePC { return &fakePC{failSet: errors.New("bad sdp")} }
	closed := make(chan error, 1)
	h.engine.OnClosed(func(s *Session, err error) { closed <- err })

	h.offer("op")
	pc := h.nextPC()
	select {
	case err := <-closed:
		assert.That(errors.Is(err, ErrSessionAborted), "abort expected")
	case <-time.After(2 * time.Second):
		t.Fatal("session not aborted")
	}
	for _, c := range pc.Calls() {
		assert.That(c != "create-answer", "answer created after failure")
	}
}

func TestNewOfferReplacesSession(t *testing.T) {
	h := newHarness(t, RoleResponder)
	h.offer("op1")
	first := h.nextPC()
	waitCalls(t, first, 3)

	// same offer delivered twice is not a new session
	h.offer("op1")
	select {
	case <-h.pcs:
		t.Fatal("redelivered offer replaced the session")
	case <-time.After(50 * time.Millisecond):
	}

	h.offer("op2")
	second := h.nextPC()
	waitCalls(t, second, 3)
	eventually(t, first.isClosed, "old session not closed")
}

func TestInitiator(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	sess := try.To1(h.engine.Connect(context.Background()))
	pc := h.nextPC()
	assert.Equal(sess.State(), StateAwaitingAnswer)
	calls := pc.Calls()
	assert.Equal(calls[0], "create-offer")
	assert.Equal(calls[1], "local:offer")

	// candidates race ahead of the answer
	h.candidate("dev", "c1")
	h.candidate("other", "x1")
	h.candidate("dev", "c2")
	h.send(signaler.NewDescriptionEnvelope("dev", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))

	calls = waitCalls(t, pc, 5)
	assert.Equal(calls[2], "remote:answer")
	assert.Equal(calls[3], "candidate:c1")
	assert.Equal(calls[4], "candidate:c2")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(len(pc.Calls()), 5)
	assert.Equal(sess.Peer(), "dev")
}

func TestOptionsValidation(t *testing.T) {
	_, err := New(Options{})
	assert.That(err != nil, "relay required")
	_, err = New(Options{Relay: local.NewHub().NewClient()})
	assert.That(errors.Is(err, signaler.ErrEmptyTopic), "want signaler.ErrEmptyTopic")
}

func TestResponderCannotConnect(t *testing.T) {
	h := newHarness(t, RoleResponder)
	_, err := h.engine.Connect(context.Background())
	assert.That(errors.Is(err, ErrNotInitiator), "want ErrNotInitiator")
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, RoleResponder)
	h.offer("op")
	pc := h.nextPC()
	waitCalls(t, pc, 3)
	try.To(h.engine.Close())
	try.To(h.engine.Close())
	assert.That(pc.isClosed(), "session should be closed with the engine")
	assert.Equal(h.engine.State(), StateClosed)
	eventually(t, func() bool { return h.hub.Subscribers("wrtc") == 0 }, "relay subscription not cancelled")
}

func TestRemoteUfrag(t *testing.T) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n" +
		"o=- 0 0 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=ice-ufrag:abcd\r\n" +
		"a=ice-pwd:0123456789abcdef0123456789\r\n"}
	ufrag := try.To1(remoteUfragOf(desc))
	assert.Equal(ufrag, "abcd")

	sess := newSession("s", RoleResponder, "wrtc")
	sess.remoteUfrag = ufrag
	old, cur := "zzzz", "abcd"
	assert.That(sess.stale(webrtc.ICECandidateInit{Candidate: "c", UsernameFragment: &old}), "other ufrag is stale")
	assert.That(!sess.stale(webrtc.ICECandidateInit{Candidate: "c", UsernameFragment: &cur}), "same ufrag is current")
	assert.That(!sess.stale(webrtc.ICECandidateInit{Candidate: "c"}), "no ufrag is current")
}

func TestReconnectCandidatesReachNextOffer(t *testing.T) {
	h := newHarness(t, RoleResponder)
	h.offer("op")
	first := h.nextPC()
	waitCalls(t, first, 3)
	first.setState(webrtc.PeerConnectionStateConnected)
	eventually(t, func() bool { return h.engine.State() == StateConnected }, "not connected")

	// the operator redials with the same sender id; its first candidate
	// overtakes the new offer
	h.candidate("op", "next-c1")
	waitCalls(t, first, 4)
	h.send(signaler.NewDescriptionEnvelope("op", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-op-again"}))

	second := h.nextPC()
	calls := waitCalls(t, second, 2)
	assert.Equal(calls[0], "remote:offer")
	assert.Equal(calls[1], "candidate:next-c1")
	eventually(t, first.isClosed, "old session not closed")
}
