package mux

import (
	"errors"
	"testing"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v4"
)

func TestInstallZeroPort(t *testing.T) {
	var se webrtc.SettingEngine
	m := try.To1(Install(&se, 0, nil))
	assert.That(m == nil, "port 0 should not open a mux")
}

func TestInstallUnsupported(t *testing.T) {
	saved := WithUDPMux
	defer func() { WithUDPMux = saved }()
	WithUDPMux = nil

	var se webrtc.SettingEngine
	_, err := Install(&se, 9000, nil)
	assert.That(errors.Is(err, ErrUnsupported), "want ErrUnsupported")
}
