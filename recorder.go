package camrtc

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
)

type RecordStats struct {
	Packets   uint64
	Frames    uint64
	Keyframes uint64
	// Skipped counts packets received before the first keyframe.
	Skipped uint64
}

// keyframeInterval is how often a keyframe is requested while waiting for
// the first one.
const keyframeInterval = time.Second

// Record writes the incoming VP8 track to w as IVF until ctx is done or
// the track ends. Writing starts at the first keyframe; until then the
// device is asked for one every second.
func (o *Operator) Record(ctx context.Context, w io.Writer) (stats RecordStats, err error) {
	defer err2.Handle(&err, "record")
	c := try.To1(o.current(nil))

	var track *webrtc.TrackRemote
	select {
	case track = <-c.tracks:
	case <-c.sess.Done():
		return stats, ErrNotConnected
	case <-ctx.Done():
		return stats, ctx.Err()
	}
	if mime := track.Codec().MimeType; mime != webrtc.MimeTypeVP8 {
		return stats, errors.New("cannot record " + mime)
	}
	ivf := try.To1(ivfwriter.NewWith(w))
	defer ivf.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	keyed := make(chan struct{})
	go o.requestKeyframes(ctx, c.pc, track, keyed)
	go func() {
		// unblock ReadRTP
		select {
		case <-ctx.Done():
		case <-c.sess.Done():
		}
		track.SetReadDeadline(time.Now())
	}()

	for {
		pkt, _, rerr := track.ReadRTP()
		if rerr != nil {
			if ctx.Err() != nil || errors.Is(rerr, io.EOF) || isTimeout(rerr) {
				return stats, nil
			}
			return stats, rerr
		}
		stats.Packets++
		key := isVP8Keyframe(pkt)
		if stats.Keyframes == 0 && !key {
			stats.Skipped++
			continue
		}
		if key && stats.Keyframes == 0 {
			close(keyed)
		}
		if key {
			stats.Keyframes++
		}
		if pkt.Marker {
			stats.Frames++
		}
		try.To(ivf.WriteRTP(pkt))
	}
}

func (o *Operator) requestKeyframes(ctx context.Context, pc *webrtc.PeerConnection, track *webrtc.TrackRemote, keyed <-chan struct{}) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			o.log.Debugf("send keyframe request: %v", err)
		}
		select {
		case <-ticker.C:
		case <-keyed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// isVP8Keyframe reports whether pkt starts a VP8 key frame.
func isVP8Keyframe(pkt *rtp.Packet) bool {
	var vp8 codecs.VP8Packet
	payload, err := vp8.Unmarshal(pkt.Payload)
	if err != nil || vp8.S != 1 || vp8.PID != 0 || len(payload) == 0 {
		return false
	}
	return payload[0]&0x01 == 0
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
