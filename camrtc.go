// Package camrtc wires negotiation, the control channel and the capture
// pipeline into the two ends of a camera session: Device, which answers
// offers and streams video, and Operator, which dials it.
package camrtc

import (
	"context"
	"errors"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/shynome/camrtc/mux"
)

// The control channel is pre-negotiated on both ends, so no
// DataChannel open handshake is needed.
const (
	DataChannelLabel        = "data"
	DataChannelID    uint16 = 1
)

func refVal[T any](v T) *T { return &v }

func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	return pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Negotiated: refVal(true),
		ID:         refVal(DataChannelID),
		Ordered:    refVal(true),
	})
}

var ErrDataChannelClosed = errors.New("DataChannel state is closed")

var errOpened = errors.New("DataChannel opened")

// WaitDC blocks until dc is open, fails, or ctx is done.
func WaitDC(ctx context.Context, dc *webrtc.DataChannel) (err error) {
	switch dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		return ErrDataChannelClosed
	}

	ctx, cancelWith := context.WithCancelCause(ctx)
	defer cancelWith(nil)
	dc.OnOpen(func() {
		cancelWith(errOpened)
	})
	dc.OnError(func(err error) {
		cancelWith(err)
	})
	// it may have opened before the callback was installed
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		return nil
	}

	<-ctx.Done()

	if err = context.Cause(ctx); err == errOpened {
		return nil
	}
	return
}

// apiOptions are the knobs shared by Device and Operator.
type apiOptions struct {
	loggerFactory logging.LoggerFactory
	udpPort       uint16
	settings      func(*webrtc.SettingEngine)
	codecs        func(*webrtc.MediaEngine) error
	interceptors  []interceptor.Factory
}

// newAPI builds the pion API: one logger factory for every layer, the
// optional single-port UDP mux, the codecs and the default NACK/RTCP
// interceptors.
func newAPI(o apiOptions) (api *webrtc.API, udpMux ice.UDPMux, err error) {
	defer err2.Handle(&err, func(err error) error {
		if udpMux != nil {
			udpMux.Close()
		}
		return err
	})
	se := webrtc.SettingEngine{LoggerFactory: o.loggerFactory}
	udpMux = try.To1(mux.Install(&se, o.udpPort, o.loggerFactory))
	if o.settings != nil {
		o.settings(&se)
	}

	me := &webrtc.MediaEngine{}
	try.To(o.codecs(me))
	ir := &interceptor.Registry{}
	try.To(webrtc.RegisterDefaultInterceptors(me, ir))
	for _, f := range o.interceptors {
		ir.Add(f)
	}

	api = webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
	)
	return api, udpMux, nil
}

// ICEServers turns STUN/TURN urls into a pion ICE server list.
func ICEServers(urls ...string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
