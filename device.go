package camrtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/shynome/camrtc/board"
	"github.com/shynome/camrtc/capture"
	"github.com/shynome/camrtc/negotiator"
	"github.com/shynome/camrtc/rpc"
	"github.com/shynome/camrtc/signaler"
)

type DeviceOptions struct {
	Relay    signaler.Relay
	Topic    string
	SenderID string

	ICEServers []webrtc.ICEServer
	// UDPPort serves ICE on one UDP port when non-zero.
	UDPPort uint16
	// SettingEngine adjusts the pion setting engine before the API is built.
	SettingEngine func(*webrtc.SettingEngine)

	// Pipeline is owned by the device from here on and closed with it.
	Pipeline *capture.Pipeline
	// Board defaults to a board that never becomes ready.
	Board *board.Board

	LoggerFactory logging.LoggerFactory
}

// Device is the responder end: it answers offers, streams the capture
// pipeline into a video track and serves the control channel.
type Device struct {
	engine   *negotiator.Engine
	api      *webrtc.API
	udpMux   ice.UDPMux
	ice      []webrtc.ICEServer
	pipeline *capture.Pipeline
	board    *board.Board
	rpc      *rpc.Server
	log      logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc

	// work holds RPC requests and session teardown, run one at a time
	work     *serial
	workDone chan struct{}

	linkL sync.Mutex
	link  *link

	reconfigureL sync.Mutex
	keyframes    atomic.Uint64

	pumping   atomic.Bool
	pumpDone  chan struct{}
	closeOnce sync.Once
}

type textSender interface {
	SendText(string) error
}

// link is the media and control state of one session.
type link struct {
	sess   *negotiator.Session
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	sender *webrtc.RTPSender
	track  videoTrack
	src    *frameSource
}

func (l *link) closeVideo() {
	if l.track != nil {
		l.track.Close()
	}
	if l.src != nil {
		l.src.Close()
	}
}

func NewDevice(opts DeviceOptions) (d *Device, err error) {
	defer err2.Handle(&err)
	if opts.Pipeline == nil {
		return nil, errors.New("camrtc: capture pipeline is required")
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.Board == nil {
		opts.Board = board.New(board.Options{LoggerFactory: opts.LoggerFactory})
	}
	ctx, cancel := context.WithCancel(context.Background())
	d = &Device{
		ice:      opts.ICEServers,
		pipeline: opts.Pipeline,
		board:    opts.Board,
		rpc:      rpc.NewServer(rpc.ServerOptions{LoggerFactory: opts.LoggerFactory}),
		log:      opts.LoggerFactory.NewLogger("device"),
		ctx:      ctx,
		cancel:   cancel,
		pumpDone: make(chan struct{}),
		work:     newSerial(),
		workDone: make(chan struct{}),
	}
	defer err2.Handle(&err, func(err error) error {
		cancel()
		if d.udpMux != nil {
			d.udpMux.Close()
		}
		return err
	})
	d.api, d.udpMux = try.To2(newAPI(apiOptions{
		loggerFactory: opts.LoggerFactory,
		udpPort:       opts.UDPPort,
		settings:      opts.SettingEngine,
		codecs:        registerVideoCodecs,
		interceptors:  []interceptor.Factory{keyframeCounterFactory{count: &d.keyframes}},
	}))
	d.engine = try.To1(negotiator.New(negotiator.Options{
		Relay:             opts.Relay,
		Topic:             opts.Topic,
		Role:              negotiator.RoleResponder,
		SenderID:          opts.SenderID,
		NewPeerConnection: d.newPeerConnection,
		LoggerFactory:     opts.LoggerFactory,
	}))
	go func() {
		defer close(d.workDone)
		d.work.run(ctx)
	}()
	d.engine.OnConnected(d.connected)
	d.engine.OnClosed(d.closed)
	d.registerMethods()
	return d, nil
}

// Start subscribes to the relay and begins forwarding captured frames.
func (d *Device) Start(ctx context.Context) error {
	if err := d.engine.Start(ctx); err != nil {
		return err
	}
	if d.pumping.CompareAndSwap(false, true) {
		go d.pump()
	}
	return nil
}

func (d *Device) Engine() *negotiator.Engine { return d.engine }

func (d *Device) Pipeline() *capture.Pipeline { return d.pipeline }

// KeyframeRequests counts picture loss indications received from operators.
func (d *Device) KeyframeRequests() uint64 { return d.keyframes.Load() }

// Close stops capture, closes the session and cancels the relay
// subscription. Safe to call more than once.
func (d *Device) Close() (err error) {
	d.closeOnce.Do(func() {
		d.cancel()
		<-d.workDone
		d.pipeline.Stop()
		d.engine.Close()
		d.pipeline.Close()
		if d.pumping.Load() {
			<-d.pumpDone
		}
		d.board.Close()
		if d.udpMux != nil {
			err = d.udpMux.Close()
		}
	})
	return
}

// newPeerConnection runs on the negotiation loop for every offer.
func (d *Device) newPeerConnection(sess *negotiator.Session) (_ negotiator.PeerConnection, err error) {
	var pc *webrtc.PeerConnection
	defer err2.Handle(&err, func(err error) error {
		if pc != nil {
			pc.Close()
		}
		return err
	})
	pc = try.To1(d.api.NewPeerConnection(webrtc.Configuration{ICEServers: d.ice}))
	l := &link{sess: sess, pc: pc}
	l.dc = try.To1(newDataChannel(pc))
	d.serve(l)

	cfg := d.pipeline.Status().Config
	if err := d.attachVideo(l, cfg); err != nil {
		d.log.Warnf("session %s has no video: %v", sess.ID, err)
	}

	d.linkL.Lock()
	d.link = l
	d.linkL.Unlock()
	return pc, nil
}

func (d *Device) attachVideo(l *link, cfg capture.Config) (err error) {
	src := newFrameSource(cfg)
	defer err2.Handle(&err, func(err error) error {
		src.Close()
		return err
	})
	track := try.To1(newVideoTrack(src, cfg.Quality))
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		track.Close()
		return err
	}
	l.sender, l.track, l.src = sender, track, src
	return nil
}

// replaceVideo swaps in a track built for cfg. The encoder is fixed to one
// frame size and bit rate, so resizes and quality changes need a new one.
func (d *Device) replaceVideo(cfg capture.Config) (err error) {
	d.linkL.Lock()
	defer d.linkL.Unlock()
	l := d.link
	if l == nil || l.sender == nil {
		return nil
	}
	defer err2.Handle(&err, "replace video track")
	src := newFrameSource(cfg)
	track, err := newVideoTrack(src, cfg.Quality)
	if err != nil {
		src.Close()
		return err
	}
	if err := l.sender.ReplaceTrack(track); err != nil {
		track.Close()
		return err
	}
	l.closeVideo()
	l.track, l.src = track, src
	d.log.Infof("video track replaced for %dx%d %s", cfg.Width, cfg.Height, cfg.Quality)
	return nil
}

// pump hands captured frames to the current session's video source.
func (d *Device) pump() {
	defer close(d.pumpDone)
	for ev := range d.pipeline.Events() {
		switch ev.Kind {
		case capture.MsgFrame:
			d.linkL.Lock()
			var src *frameSource
			if d.link != nil {
				src = d.link.src
			}
			d.linkL.Unlock()
			if src == nil {
				ev.Frame.Release()
				continue
			}
			src.Push(ev.Frame)
		case capture.MsgStatus:
			st := ev.Status
			if st.State == capture.StateFailed {
				d.log.Errorf("capture failed: %s", st.Err)
				continue
			}
			d.log.Infof("capture %s %dx%d@%d", st.State, st.Config.Width, st.Config.Height, st.Config.Framerate)
		}
	}
}

func (d *Device) connected(sess *negotiator.Session) {
	d.linkL.Lock()
	l := d.link
	d.linkL.Unlock()
	if l == nil || l.sess != sess {
		return
	}
	if desc := l.pc.RemoteDescription(); desc != nil {
		d.log.Infof("session %s media: %s", sess.ID, mediaSummary(desc.SDP))
	}
}

// closed releases the session's media and stops capture.
func (d *Device) closed(sess *negotiator.Session, cause error) {
	d.linkL.Lock()
	l := d.link
	if l != nil && l.sess == sess {
		d.link = nil
	} else {
		l = nil
	}
	d.linkL.Unlock()
	if l == nil {
		return
	}
	l.closeVideo()
	d.log.Debugf("session %s closed: %v, keyframe requests so far %d", sess.ID, cause, d.KeyframeRequests())
	// Stop waits for the capture process; keep the negotiation loop free
	// but ahead of any request from a later session.
	d.work.push(func() {
		if wasRunning, _ := d.pipeline.Stop(); wasRunning {
			d.log.Infof("capture stopped with session %s", sess.ID)
		}
	})
}

// serve answers JSON-RPC messages arriving on the session's data channel.
func (d *Device) serve(l *link) {
	dc := l.dc
	dc.OnOpen(func() {
		d.log.Infof("data channel open for session %s", l.sess.ID)
	})
	dc.OnClose(func() {
		d.log.Infof("data channel closed for session %s", l.sess.ID)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		d.receive(dc, msg.Data)
	})
}

// receive queues a request; replies leave in request order.
func (d *Device) receive(dc textSender, data []byte) {
	d.work.push(func() {
		d.answer(dc, data)
	})
}

func (d *Device) answer(dc textSender, data []byte) {
	reply, err := d.rpc.Handle(d.ctx, data)
	if err != nil {
		d.log.Warnf("handle rpc message: %v", err)
		return
	}
	if reply == nil {
		return
	}
	if err := dc.SendText(string(reply)); err != nil {
		d.log.Warnf("send rpc reply: %v", err)
	}
}

// mediaSummary lists the m-lines of an SDP blob with their direction.
func mediaSummary(raw string) string {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return fmt.Sprintf("unparsable sdp: %v", err)
	}
	parts := make([]string, 0, len(sd.MediaDescriptions))
	for _, md := range sd.MediaDescriptions {
		dir := ""
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				dir = "/" + attr.Key
			}
		}
		parts = append(parts, md.MediaName.Media+dir)
	}
	return strings.Join(parts, " ")
}
