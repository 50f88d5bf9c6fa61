package capture

import (
	"errors"
	"fmt"
)

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Preset is the encoder setting of one quality tier. Capture output is
// raw video, so the tier only reaches the VP8 encoder.
type Preset struct {
	// BitRate is the target video bit rate in bits per second.
	BitRate int
}

// Preset returns the parameters of q. Unknown tiers use the high preset.
func (q Quality) Preset() Preset {
	switch q {
	case QualityLow:
		return Preset{BitRate: 500_000}
	case QualityMedium:
		return Preset{BitRate: 1_500_000}
	}
	return Preset{BitRate: 3_000_000}
}

func (q Quality) valid() bool {
	switch q {
	case QualityLow, QualityMedium, QualityHigh:
		return true
	}
	return false
}

// Config is the capture configuration. Frames are planar 4:2:0, so every
// frame is Width*Height*3/2 bytes.
type Config struct {
	WebcamDevice string  `json:"webcamDevice"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Framerate    int     `json:"framerate"`
	FrameSkip    int     `json:"frameSkip"`
	Quality      Quality `json:"quality"`
}

func DefaultConfig() Config {
	return Config{
		WebcamDevice: "/dev/video0",
		Width:        1280,
		Height:       720,
		Framerate:    30,
		FrameSkip:    0,
		Quality:      QualityMedium,
	}
}

func (c Config) FrameSize() int { return c.Width * c.Height * 3 / 2 }

var ErrInvalidConfig = errors.New("invalid video config")

func (c Config) Validate() error {
	switch {
	case c.WebcamDevice == "":
		return fmt.Errorf("%w: webcamDevice is required", ErrInvalidConfig)
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.Width%2 != 0 || c.Height%2 != 0:
		return fmt.Errorf("%w: 4:2:0 needs even dimensions, got %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.Framerate <= 0:
		return fmt.Errorf("%w: framerate %d", ErrInvalidConfig, c.Framerate)
	case c.FrameSkip < 0:
		return fmt.Errorf("%w: frameSkip %d", ErrInvalidConfig, c.FrameSkip)
	case !c.Quality.valid():
		return fmt.Errorf("%w: quality %q", ErrInvalidConfig, c.Quality)
	}
	return nil
}

// Patch is a partial Config; nil fields keep their current value.
type Patch struct {
	WebcamDevice *string  `json:"webcamDevice,omitempty"`
	Width        *int     `json:"width,omitempty"`
	Height       *int     `json:"height,omitempty"`
	Framerate    *int     `json:"framerate,omitempty"`
	FrameSkip    *int     `json:"frameSkip,omitempty"`
	Quality      *Quality `json:"quality,omitempty"`
}

func (p Patch) Empty() bool {
	return p.WebcamDevice == nil && p.Width == nil && p.Height == nil &&
		p.Framerate == nil && p.FrameSkip == nil && p.Quality == nil
}

func (c Config) Apply(p Patch) Config {
	if p.WebcamDevice != nil {
		c.WebcamDevice = *p.WebcamDevice
	}
	if p.Width != nil {
		c.Width = *p.Width
	}
	if p.Height != nil {
		c.Height = *p.Height
	}
	if p.Framerate != nil {
		c.Framerate = *p.Framerate
	}
	if p.FrameSkip != nil {
		c.FrameSkip = *p.FrameSkip
	}
	if p.Quality != nil {
		c.Quality = *p.Quality
	}
	return c
}

// NeedsRestart reports whether going from old to next requires a new
// capture process. Only frameSkip can change on a running process.
func NeedsRestart(old, next Config) bool {
	old.FrameSkip, next.FrameSkip = 0, 0
	return old != next
}

// Resized reports whether the frame size differs between old and next.
func Resized(old, next Config) bool {
	return old.Width != next.Width || old.Height != next.Height
}

type Resolution struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Label  string `json:"label"`
}

// Resolutions lists the capture sizes offered to operators, smallest first.
var Resolutions = []Resolution{
	{Width: 320, Height: 240, Label: "320x240"},
	{Width: 640, Height: 480, Label: "640x480"},
	{Width: 800, Height: 600, Label: "800x600"},
	{Width: 1280, Height: 720, Label: "720p"},
	{Width: 1920, Height: 1080, Label: "1080p"},
}
