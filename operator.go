package camrtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/shynome/camrtc/negotiator"
	"github.com/shynome/camrtc/rpc"
	"github.com/shynome/camrtc/signaler"
)

var ErrNotConnected = errors.New("operator is not connected")

type OperatorOptions struct {
	Relay    signaler.Relay
	Topic    string
	SenderID string

	ICEServers    []webrtc.ICEServer
	UDPPort       uint16
	SettingEngine func(*webrtc.SettingEngine)

	// CallTimeout bounds RPC calls without a deadline.
	CallTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// Operator is the initiator end: it dials a device, drives the control
// channel and receives the video track.
type Operator struct {
	engine  *negotiator.Engine
	api     *webrtc.API
	udpMux  ice.UDPMux
	ice     []webrtc.ICEServer
	timeout time.Duration
	lf      logging.LoggerFactory
	log     logging.LeveledLogger

	callL sync.Mutex
	call  *call
}

// call is the state of one dialed session.
type call struct {
	sess   *negotiator.Session
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	client *rpc.Client
	tracks chan *webrtc.TrackRemote
}

func NewOperator(opts OperatorOptions) (o *Operator, err error) {
	defer err2.Handle(&err)
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	o = &Operator{
		ice:     opts.ICEServers,
		timeout: opts.CallTimeout,
		lf:      opts.LoggerFactory,
		log:     opts.LoggerFactory.NewLogger("operator"),
	}
	o.api, o.udpMux = try.To2(newAPI(apiOptions{
		loggerFactory: opts.LoggerFactory,
		udpPort:       opts.UDPPort,
		settings:      opts.SettingEngine,
		codecs:        func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() },
	}))
	o.engine, err = negotiator.New(negotiator.Options{
		Relay:             opts.Relay,
		Topic:             opts.Topic,
		Role:              negotiator.RoleInitiator,
		SenderID:          opts.SenderID,
		NewPeerConnection: o.newPeerConnection,
		LoggerFactory:     opts.LoggerFactory,
	})
	if err != nil {
		if o.udpMux != nil {
			o.udpMux.Close()
		}
		return nil, err
	}
	o.engine.OnClosed(o.closed)
	return o, nil
}

func (o *Operator) Engine() *negotiator.Engine { return o.engine }

func (o *Operator) newPeerConnection(sess *negotiator.Session) (_ negotiator.PeerConnection, err error) {
	var pc *webrtc.PeerConnection
	defer err2.Handle(&err, func(err error) error {
		if pc != nil {
			pc.Close()
		}
		return err
	})
	pc = try.To1(o.api.NewPeerConnection(webrtc.Configuration{ICEServers: o.ice}))
	try.To1(pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}))
	c := &call{
		sess:   sess,
		pc:     pc,
		dc:     try.To1(newDataChannel(pc)),
		tracks: make(chan *webrtc.TrackRemote, 1),
	}
	dc := c.dc
	c.client = rpc.NewClient(func(data []byte) error {
		return dc.SendText(string(data))
	}, rpc.ClientOptions{Timeout: o.timeout, LoggerFactory: o.lf})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if err := c.client.Receive(msg.Data); err != nil {
			o.log.Warnf("rpc reply: %v", err)
		}
	})
	dc.OnClose(func() {
		c.client.Close(ErrDataChannelClosed)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.log.Infof("incoming %s track %s", track.Kind(), track.Codec().MimeType)
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		select {
		case c.tracks <- track:
		default:
		}
	})

	o.callL.Lock()
	o.call = c
	o.callL.Unlock()
	return pc, nil
}

func (o *Operator) closed(sess *negotiator.Session, cause error) {
	o.callL.Lock()
	c := o.call
	if c != nil && c.sess == sess {
		o.call = nil
	}
	o.callL.Unlock()
	if c != nil && c.sess == sess {
		if cause == nil {
			cause = ErrNotConnected
		}
		c.client.Close(cause)
	}
}

// Connect dials the device and waits until the control channel is open.
func (o *Operator) Connect(ctx context.Context) (err error) {
	defer err2.Handle(&err, "connect")
	sess := try.To1(o.engine.Connect(ctx))
	c := try.To1(o.current(sess))

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-sess.Done():
			cause := sess.Err()
			if cause == nil {
				cause = ErrNotConnected
			}
			cancel(cause)
		case <-ctx.Done():
		}
	}()
	if err := WaitDC(ctx, c.dc); err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
		return err
	}
	o.log.Infof("connected to %s", sess.Peer())
	return nil
}

func (o *Operator) current(sess *negotiator.Session) (*call, error) {
	o.callL.Lock()
	defer o.callL.Unlock()
	if o.call == nil || (sess != nil && o.call.sess != sess) {
		return nil, ErrNotConnected
	}
	return o.call, nil
}

// Done is closed when the current session ends.
func (o *Operator) Done() <-chan struct{} {
	c, err := o.current(nil)
	if err != nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.sess.Done()
}

// Call invokes method on the device and decodes the result into result.
func (o *Operator) Call(ctx context.Context, method string, params any, result any) error {
	c, err := o.current(nil)
	if err != nil {
		return err
	}
	return c.client.Call(ctx, method, params, result)
}

// Notify sends method without waiting for a reply.
func (o *Operator) Notify(method string, params any) error {
	c, err := o.current(nil)
	if err != nil {
		return err
	}
	return c.client.Notify(method, params)
}

func (o *Operator) Close() error {
	o.engine.Close()
	if o.udpMux != nil {
		return o.udpMux.Close()
	}
	return nil
}
