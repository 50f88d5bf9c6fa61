package camrtc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shynome/camrtc/capture"
	"github.com/shynome/camrtc/rpc"
)

// Control channel methods.
const (
	MethodTest                    = "test"
	MethodBlink                   = "blink"
	MethodGetStatus               = "getStatus"
	MethodStartVideo              = "startVideo"
	MethodStopVideo               = "stopVideo"
	MethodGetVideoStatus          = "getVideoStatus"
	MethodUpdateVideoConfig       = "updateVideoConfig"
	MethodGetAvailableResolutions = "getAvailableResolutions"
)

// Values of VideoReply.Status.
const (
	VideoStarting       = "starting"
	VideoAlreadyRunning = "already_running"
	VideoStopping       = "stopping"
	VideoNotRunning     = "not_running"
	VideoRunning        = "running"
	VideoUpdated        = "updated"
)

type BlinkParams struct {
	Pin string `json:"pin"`
}

type VideoReply struct {
	Status string          `json:"status"`
	Config *capture.Config `json:"config,omitempty"`
	// Capture carries the pipeline counters on getVideoStatus.
	Capture *capture.Status `json:"capture,omitempty"`
}

func (d *Device) registerMethods() {
	s := d.rpc
	s.Register(MethodTest, rpc.Method(func(ctx context.Context, msg json.RawMessage) (any, error) {
		d.log.Infof("test message from operator: %s", msg)
		return nil, nil
	}))
	s.Register(MethodBlink, rpc.Method(func(ctx context.Context, p BlinkParams) (any, error) {
		if p.Pin == "" {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "pin is required")
		}
		return nil, d.board.Blink(p.Pin)
	}))
	s.Register(MethodGetStatus, rpc.Method(func(ctx context.Context, _ rpc.Empty) (string, error) {
		return d.board.Status(), nil
	}))
	s.Register(MethodStartVideo, rpc.Method(func(ctx context.Context, _ rpc.Empty) (VideoReply, error) {
		return d.StartVideo()
	}))
	s.Register(MethodStopVideo, rpc.Method(func(ctx context.Context, _ rpc.Empty) (VideoReply, error) {
		return d.StopVideo(), nil
	}))
	s.Register(MethodGetVideoStatus, rpc.Method(func(ctx context.Context, _ rpc.Empty) (VideoReply, error) {
		return d.VideoStatus(), nil
	}))
	s.Register(MethodUpdateVideoConfig, rpc.Method(func(ctx context.Context, patch capture.Patch) (VideoReply, error) {
		st, err := d.Reconfigure(patch)
		if err != nil {
			return VideoReply{}, err
		}
		return VideoReply{Status: VideoUpdated, Config: &st.Config}, nil
	}))
	s.Register(MethodGetAvailableResolutions, rpc.Method(func(ctx context.Context, _ rpc.Empty) ([]capture.Resolution, error) {
		return capture.Resolutions, nil
	}))
}

func (d *Device) StartVideo() (VideoReply, error) {
	started, st, err := d.pipeline.Start()
	if err != nil {
		return VideoReply{}, err
	}
	if !started {
		return VideoReply{Status: VideoAlreadyRunning, Config: &st.Config}, nil
	}
	return VideoReply{Status: VideoStarting, Config: &st.Config}, nil
}

func (d *Device) StopVideo() VideoReply {
	if wasRunning, _ := d.pipeline.Stop(); !wasRunning {
		return VideoReply{Status: VideoNotRunning}
	}
	return VideoReply{Status: VideoStopping}
}

func (d *Device) VideoStatus() VideoReply {
	st := d.pipeline.Status()
	status := VideoNotRunning
	if st.Running() {
		status = VideoRunning
	}
	return VideoReply{Status: status, Config: &st.Config, Capture: &st}
}

// Reconfigure applies a partial video config. It is shared by the
// updateVideoConfig method and the config file watcher.
func (d *Device) Reconfigure(patch capture.Patch) (capture.Status, error) {
	d.reconfigureL.Lock()
	defer d.reconfigureL.Unlock()
	old := d.pipeline.Status().Config
	st, err := d.pipeline.Reconfigure(patch)
	switch {
	case errors.Is(err, capture.ErrInvalidConfig):
		return st, rpc.NewError(rpc.CodeInvalidParams, "%v", err)
	case errors.Is(err, capture.ErrClosed):
		return st, err
	}
	// a failed restart still leaves the new config in place
	if capture.Resized(old, st.Config) || old.Quality != st.Config.Quality {
		if rerr := d.replaceVideo(st.Config); rerr != nil {
			d.log.Errorf("%v", rerr)
		}
	}
	return st, err
}
