//go:build !linux || !cgo

package camrtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/shynome/camrtc/capture"
)

// Without libvpx the device still negotiates and serves the control
// channel, it just sends no video.
func registerVideoCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func newVideoTrack(src *frameSource, q capture.Quality) (videoTrack, error) {
	return nil, errNoEncoder
}
