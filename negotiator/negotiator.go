// Package negotiator establishes peer sessions through a signaling relay.
//
// All session mutation happens on one event loop goroutine: relay events,
// peer connection callbacks and Connect requests are queued as reactions
// and executed in order. Remote candidates that race ahead of the remote
// description are kept in a FIFO queue and applied, exactly once and in
// arrival order, right after the description is set.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/shynome/camrtc/envelope"
	"github.com/shynome/camrtc/signaler"
)

var (
	ErrEngineClosed    = errors.New("negotiator is closed")
	ErrSessionAborted  = errors.New("session aborted")
	ErrSessionReplaced = errors.New("session replaced by a new offer")
	ErrNotInitiator    = errors.New("only an initiator can connect")
	ErrPeerGone        = errors.New("peer connection closed")
)

// maxOrphans bounds candidates kept for a session that does not exist yet.
const maxOrphans = 64

type Options struct {
	Relay signaler.Relay
	Topic string
	Role  Role
	// SenderID identifies this peer on the relay. A random uuid when empty.
	SenderID string

	NewPeerConnection NewPeerConnection

	// ResubscribeDelay is the pause before subscribing again after the relay
	// stream ended.
	ResubscribeDelay time.Duration

	LoggerFactory logging.LoggerFactory
}

type Engine struct {
	relay  signaler.Relay
	topic  string
	role   Role
	id     string
	newPC  NewPeerConnection
	resub  time.Duration
	log    logging.LeveledLogger
	inbox  *mailbox[func()]
	outbox *mailbox[string]

	// owned by the loop
	sess    *Session
	orphans []pendingCandidate

	state atomic.Int32

	handlersL   sync.RWMutex
	onConnected func(*Session)
	onClosed    func(*Session, error)

	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	sendDone  chan struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Relay == nil {
		return nil, errors.New("negotiator: relay is required")
	}
	if opts.Topic == "" {
		return nil, signaler.ErrEmptyTopic
	}
	if opts.NewPeerConnection == nil {
		return nil, errors.New("negotiator: peer connection factory is required")
	}
	if opts.SenderID == "" {
		opts.SenderID = uuid.NewString()
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = 2 * time.Second
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		relay:    opts.Relay,
		topic:    opts.Topic,
		role:     opts.Role,
		id:       opts.SenderID,
		newPC:    opts.NewPeerConnection,
		resub:    opts.ResubscribeDelay,
		log:      opts.LoggerFactory.NewLogger("negotiator"),
		inbox:    newMailbox[func()](),
		outbox:   newMailbox[string](),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		sendDone: make(chan struct{}),
	}
	e.state.Store(int32(StateIdle))
	return e, nil
}

// ID is the sender id stamped on every published envelope.
func (e *Engine) ID() string { return e.id }

func (e *Engine) Role() Role { return e.role }

// State is the state of the current session. A responder without a
// session reports StateAwaitingOffer once started.
func (e *Engine) State() State { return State(e.state.Load()) }

// OnConnected registers f to run on the event loop when a session's
// transport reports connected. f must not block.
func (e *Engine) OnConnected(f func(*Session)) {
	e.handlersL.Lock()
	defer e.handlersL.Unlock()
	e.onConnected = f
}

// OnClosed registers f to run on the event loop when a session reaches
// StateClosed. err is nil for a normal teardown. f must not block.
func (e *Engine) OnClosed(f func(*Session, error)) {
	e.handlersL.Lock()
	defer e.handlersL.Unlock()
	e.onClosed = f
}

// Start subscribes to the relay topic and runs the event loop until Close.
// Calling it again is a no-op returning the first result.
func (e *Engine) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		if e.ctx.Err() != nil {
			e.startErr = ErrEngineClosed
			return
		}
		events, err := e.relay.Subscribe(e.ctx, e.topic)
		if err != nil {
			e.startErr = fmt.Errorf("subscribe %s: %w", e.topic, err)
			return
		}
		if e.role == RoleResponder {
			e.state.Store(int32(StateAwaitingOffer))
		}
		go e.publishLoop()
		go e.loop(events)
		e.log.Infof("%s %s listening on %s", e.role, e.id, e.topic)
	})
	return e.startErr
}

// Connect starts a new initiator session: it creates an offer, applies it
// locally and publishes it. A previous session is closed first.
func (e *Engine) Connect(ctx context.Context) (sess *Session, err error) {
	defer err2.Handle(&err)
	if e.role != RoleInitiator {
		return nil, ErrNotInitiator
	}
	try.To(e.Start(ctx))
	type result struct {
		sess *Session
		err  error
	}
	ch := make(chan result, 1)
	e.inbox.push(func() {
		sess, err := e.offer()
		ch <- result{sess, err}
	})
	select {
	case r := <-ch:
		return r.sess, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.loopDone:
		return nil, ErrEngineClosed
	}
}

// Close tears down the current session, cancels the relay subscription and
// stops the event loop. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		started := false
		e.startOnce.Do(func() { e.startErr = ErrEngineClosed })
		if e.startErr == nil {
			started = true
		}
		if started {
			<-e.loopDone
			<-e.sendDone
		}
		if err := e.relay.Cancel(e.topic); err != nil && !errors.Is(err, signaler.ErrNotSubscribed) {
			e.log.Debugf("cancel relay subscription: %v", err)
		}
		e.state.Store(int32(StateClosed))
	})
	return nil
}

func (e *Engine) post(fn func()) {
	if e.ctx.Err() != nil {
		return
	}
	e.inbox.push(fn)
}

func (e *Engine) loop(events <-chan signaler.Event) {
	defer close(e.loopDone)
	defer func() {
		if e.sess != nil {
			e.closeSession(e.sess, nil)
		}
	}()
	var retry <-chan time.Time
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.inbox.wait():
			for _, fn := range e.inbox.drain() {
				fn()
			}
		case <-retry:
			retry = nil
			ch, err := e.relay.Subscribe(e.ctx, e.topic)
			if err != nil {
				e.log.Warnf("resubscribe %s: %v", e.topic, err)
				retry = time.After(e.resub)
				continue
			}
			e.log.Infof("resubscribed to %s", e.topic)
			events = ch
		case ev, ok := <-events:
			if !ok {
				e.log.Warnf("relay stream %s closed", e.topic)
				events = nil
				retry = time.After(e.resub)
				continue
			}
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev signaler.Event) {
	if !ev.IsMessage() || ev.Topic != e.topic {
		return
	}
	env, err := envelope.Open(ev.Message)
	if err != nil {
		e.log.Warnf("drop malformed envelope %s: %v", ev.ID, err)
		return
	}
	if env.IsEcho(e.id) {
		return
	}
	switch {
	case env.Candidate != nil:
		e.handleCandidate(env.SenderID, *env.Candidate)
	case env.Description != nil:
		switch env.Description.Type {
		case webrtc.SDPTypeOffer:
			e.handleOffer(env.SenderID, *env.Description)
		case webrtc.SDPTypeAnswer:
			e.handleAnswer(env.SenderID, *env.Description)
		default:
			e.log.Debugf("ignore %s description from %s", env.Description.Type, env.SenderID)
		}
	}
}

func (e *Engine) setState(sess *Session, st State) {
	sess.setState(st)
	if e.sess == sess {
		e.state.Store(int32(st))
	}
	e.log.Debugf("session %s: %s", sess.ID, st)
}

// startSession creates the peer connection of a new session and wires its
// callbacks into the event loop.
func (e *Engine) startSession() (sess *Session, err error) {
	defer err2.Handle(&err)
	if old := e.sess; old != nil {
		e.closeSession(old, ErrSessionReplaced)
	}
	sess = newSession(uuid.NewString(), e.role, e.topic)
	pc := try.To1(e.newPC(sess))
	sess.PC = pc
	e.sess = sess
	e.state.Store(int32(StateIdle))

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		e.post(func() { e.publishCandidate(sess, init) })
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		e.post(func() { e.handleTransport(sess, st) })
	})
	return sess, nil
}

func (e *Engine) offer() (sess *Session, err error) {
	if e.ctx.Err() != nil {
		return nil, ErrEngineClosed
	}
	if sess, err = e.startSession(); err != nil {
		return nil, err
	}
	defer err2.Handle(&err, func(err error) error {
		err = fmt.Errorf("%w: %w", ErrSessionAborted, err)
		e.closeSession(sess, err)
		return err
	})
	e.setState(sess, StateOffering)
	offer := try.To1(sess.PC.CreateOffer(nil))
	try.To(sess.PC.SetLocalDescription(offer))
	try.To(e.publishDescription(offer))
	e.setState(sess, StateAwaitingAnswer)
	return sess, nil
}

func (e *Engine) handleOffer(sender string, offer webrtc.SessionDescription) {
	if e.role != RoleResponder {
		e.log.Debugf("initiator ignores offer from %s", sender)
		return
	}
	if cur := e.sess; cur != nil && cur.peer == sender && cur.remoteSDP == offer.SDP {
		// relay redelivery
		return
	}
	sess, err := e.startSession()
	if err != nil {
		e.log.Errorf("create peer connection for %s: %v", sender, err)
		return
	}
	sess.bindPeer(sender)
	sess.pending = e.adoptOrphans(sender)

	defer err2.Catch(func(err error) {
		e.log.Errorf("answer %s: %v", sender, err)
		e.closeSession(sess, fmt.Errorf("%w: %w", ErrSessionAborted, err))
	})
	e.setState(sess, StateAnswering)
	try.To(e.applyRemote(sess, offer))
	answer := try.To1(sess.PC.CreateAnswer(nil))
	try.To(sess.PC.SetLocalDescription(answer))
	try.To(e.publishDescription(answer))
	e.log.Infof("answered offer from %s", sender)
}

func (e *Engine) handleAnswer(sender string, answer webrtc.SessionDescription) {
	sess := e.sess
	if e.role != RoleInitiator || sess == nil || sess.State() != StateAwaitingAnswer || sess.remoteSet {
		e.log.Debugf("ignore answer from %s", sender)
		return
	}
	sess.bindPeer(sender)
	if err := e.applyRemote(sess, answer); err != nil {
		e.log.Errorf("apply answer from %s: %v", sender, err)
		e.closeSession(sess, fmt.Errorf("%w: %w", ErrSessionAborted, err))
		return
	}
	e.log.Infof("got answer from %s", sender)
}

// applyRemote sets the remote description, then drains the candidate
// queue in arrival order.
func (e *Engine) applyRemote(sess *Session, desc webrtc.SessionDescription) (err error) {
	defer err2.Handle(&err)
	try.To(sess.PC.SetRemoteDescription(desc))
	sess.remoteSet = true
	sess.remoteSDP = desc.SDP
	if ufrag, err := remoteUfragOf(desc); err != nil {
		e.log.Debugf("read ice-ufrag: %v", err)
	} else {
		sess.remoteUfrag = ufrag
	}
	pending := sess.pending
	sess.pending = nil
	for _, p := range pending {
		try.To(e.applyCandidate(sess, p.candidate))
	}
	return nil
}

func (e *Engine) applyCandidate(sess *Session, c signaler.Candidate) error {
	if sess.stale(c) {
		e.log.Debugf("drop stale candidate %s", c.Candidate)
		return nil
	}
	if err := sess.PC.AddICECandidate(c); err != nil {
		return err
	}
	sess.applied++
	return nil
}

func (e *Engine) handleCandidate(sender string, c signaler.Candidate) {
	sess := e.sess
	if sess == nil || sess.closed() || !sess.accepts(sender) {
		e.keepOrphan(sender, c)
		return
	}
	key := candidateKey(c)
	if _, dup := sess.seen[key]; dup {
		return
	}
	sess.seen[key] = struct{}{}
	if !sess.remoteSet {
		sess.pending = append(sess.pending, pendingCandidate{sender: sender, candidate: c})
		return
	}
	// A peer that reconnects with the same sender id trickles candidates
	// for its next offer while this session still holds the sender. Keep
	// a copy for that offer when the candidate cannot be told apart.
	if sess.stale(c) || sess.State() == StateConnected {
		e.keepOrphan(sender, c)
	}
	if err := e.applyCandidate(sess, c); err != nil {
		e.log.Errorf("add candidate from %s: %v", sender, err)
		e.closeSession(sess, fmt.Errorf("%w: %w", ErrSessionAborted, err))
	}
}

func (e *Engine) keepOrphan(sender string, c signaler.Candidate) {
	if e.role != RoleResponder {
		return
	}
	if len(e.orphans) >= maxOrphans {
		e.orphans = e.orphans[1:]
	}
	e.orphans = append(e.orphans, pendingCandidate{sender: sender, candidate: c})
}

// adoptOrphans moves the buffered candidates of sender into a new session.
func (e *Engine) adoptOrphans(sender string) (adopted []pendingCandidate) {
	kept := e.orphans[:0]
	seen := make(map[string]struct{})
	for _, p := range e.orphans {
		if p.sender != sender {
			kept = append(kept, p)
			continue
		}
		key := candidateKey(p.candidate)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		adopted = append(adopted, p)
	}
	e.orphans = kept
	if e.sess != nil {
		for key := range seen {
			e.sess.seen[key] = struct{}{}
		}
	}
	return adopted
}

func (e *Engine) handleTransport(sess *Session, st webrtc.PeerConnectionState) {
	if sess.closed() {
		return
	}
	e.log.Debugf("session %s transport %s", sess.ID, st)
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if sess.State() == StateConnected {
			return
		}
		e.setState(sess, StateConnected)
		e.log.Infof("session %s connected to %s", sess.ID, sess.peer)
		e.handlersL.RLock()
		f := e.onConnected
		e.handlersL.RUnlock()
		if f != nil {
			f(sess)
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		e.closeSession(sess, fmt.Errorf("%w: %s", ErrPeerGone, st))
	}
}

// closeSession moves sess to StateClosed and releases its connection.
func (e *Engine) closeSession(sess *Session, cause error) {
	if sess.closed() {
		return
	}
	e.setState(sess, StateClosed)
	sess.err = cause
	if err := sess.PC.Close(); err != nil {
		e.log.Debugf("close peer connection: %v", err)
	}
	close(sess.done)
	if e.sess == sess && e.role == RoleResponder {
		e.sess = nil
		e.state.Store(int32(StateAwaitingOffer))
	}
	if cause != nil {
		e.log.Infof("session %s closed: %v", sess.ID, cause)
	} else {
		e.log.Infof("session %s closed", sess.ID)
	}
	e.handlersL.RLock()
	f := e.onClosed
	e.handlersL.RUnlock()
	if f != nil {
		f(sess, cause)
	}
}

func (e *Engine) publishDescription(desc webrtc.SessionDescription) error {
	msg, err := envelope.Seal(signaler.NewDescriptionEnvelope(e.id, desc))
	if err != nil {
		return err
	}
	e.outbox.push(msg)
	return nil
}

func (e *Engine) publishCandidate(sess *Session, c signaler.Candidate) {
	if sess != e.sess || sess.closed() {
		return
	}
	msg, err := envelope.Seal(signaler.NewCandidateEnvelope(e.id, c))
	if err != nil {
		e.log.Warnf("seal candidate: %v", err)
		return
	}
	e.outbox.push(msg)
}

// publishLoop sends queued envelopes one at a time so a description always
// reaches the relay before the candidates gathered after it.
func (e *Engine) publishLoop() {
	defer close(e.sendDone)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.outbox.wait():
			for _, msg := range e.outbox.drain() {
				if err := e.relay.Publish(e.ctx, e.topic, msg); err != nil {
					if e.ctx.Err() != nil {
						return
					}
					e.log.Warnf("publish to %s: %v", e.topic, err)
				}
			}
		}
	}
}
