//go:build linux && cgo

package camrtc

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"
	"github.com/shynome/camrtc/capture"
)

// codecSelector picks VP8 at the bit rate of the quality tier.
func codecSelector(q capture.Quality) (*mediadevices.CodecSelector, error) {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	params.BitRate = q.Preset().BitRate
	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&params),
	), nil
}

func registerVideoCodecs(me *webrtc.MediaEngine) error {
	selector, err := codecSelector(capture.QualityMedium)
	if err != nil {
		return err
	}
	selector.Populate(me)
	return nil
}

func newVideoTrack(src *frameSource, q capture.Quality) (videoTrack, error) {
	selector, err := codecSelector(q)
	if err != nil {
		return nil, err
	}
	return mediadevices.NewVideoTrack(src, selector), nil
}
