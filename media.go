package camrtc

import (
	"errors"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/shynome/camrtc/capture"
)

// errNoEncoder is returned by newVideoTrack on builds without a video encoder.
var errNoEncoder = errors.New("no video encoder on this platform")

// videoTrack is an outgoing track fed by a frameSource.
type videoTrack interface {
	webrtc.TrackLocal
	Close() error
}

// idleFrameInterval paces the black frames sent while capture is stopped.
const idleFrameInterval = time.Second

// frameSource turns pooled 4:2:0 blocks into images for the encoder. Push
// copies the frame out and releases the block at once, so a slow encoder
// never holds pool memory. Only the newest frame is kept.
//
// The encoder reads a first frame while the track is bound, which happens
// inside SetLocalDescription, so Read never waits without bound: with no
// captured frame it returns a black one.
type frameSource struct {
	id     string
	width  int
	height int
	idle   time.Duration
	primed atomic.Bool
	black  *image.YCbCr

	frames chan *image.YCbCr
	done   chan struct{}
	once   sync.Once
	bufs   sync.Pool
}

func newFrameSource(cfg capture.Config) *frameSource {
	s := &frameSource{
		id:     "camrtc-" + uuid.NewString(),
		width:  cfg.Width,
		height: cfg.Height,
		idle:   idleFrameInterval,
		frames: make(chan *image.YCbCr, 1),
		done:   make(chan struct{}),
	}
	size := cfg.FrameSize()
	s.bufs.New = func() any { return make([]byte, size) }
	return s
}

func (s *frameSource) ID() string { return s.id }

// Push takes ownership of b. Frames of another size are dropped; they are
// left over from before a resize.
func (s *frameSource) Push(b *capture.Block) bool {
	defer b.Release()
	if b.Width != s.width || b.Height != s.height {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	buf := s.bufs.Get().([]byte)
	copy(buf, b.Bytes())
	img := yuv420(buf, s.width, s.height)
	for {
		select {
		case s.frames <- img:
			return true
		default:
		}
		select {
		case old := <-s.frames:
			s.bufs.Put(old.Y[:cap(old.Y)])
		default:
		}
	}
}

// Read implements the mediadevices video reader contract.
func (s *frameSource) Read() (image.Image, func(), error) {
	if !s.primed.Swap(true) {
		select {
		case img := <-s.frames:
			return img, s.recycle(img), nil
		default:
			return s.blank(), func() {}, nil
		}
	}
	t := time.NewTimer(s.idle)
	defer t.Stop()
	select {
	case img := <-s.frames:
		return img, s.recycle(img), nil
	case <-t.C:
		return s.blank(), func() {}, nil
	case <-s.done:
		return nil, func() {}, io.EOF
	}
}

func (s *frameSource) recycle(img *image.YCbCr) func() {
	return func() { s.bufs.Put(img.Y[:cap(img.Y)]) }
}

// blank is a black frame; only the reading goroutine touches it.
func (s *frameSource) blank() *image.YCbCr {
	if s.black == nil {
		buf := make([]byte, s.width*s.height*3/2)
		img := yuv420(buf, s.width, s.height)
		for i := range img.Y {
			img.Y[i] = 16
		}
		for i := range img.Cb {
			img.Cb[i], img.Cr[i] = 128, 128
		}
		s.black = img
	}
	return s.black
}

func (s *frameSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// yuv420 lays the planar frame in buf out as an image without copying.
func yuv420(buf []byte, w, h int) *image.YCbCr {
	ySize := w * h
	cSize := ySize / 4
	return &image.YCbCr{
		Y:              buf[:ySize:len(buf)],
		Cb:             buf[ySize : ySize+cSize],
		Cr:             buf[ySize+cSize : ySize+2*cSize],
		YStride:        w,
		CStride:        w / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}
}
