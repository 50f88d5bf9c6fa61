// Package mux lets every peer connection of a device share one UDP port,
// so a single firewall rule is enough for field deployments.
package mux

import (
	"errors"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

var ErrUnsupported = errors.New("udp mux is not supported on this platform")

// WithUDPMux listens on port and installs the mux in engine. It is nil on
// platforms without UDP sockets.
var WithUDPMux func(engine *webrtc.SettingEngine, port uint16, lf logging.LoggerFactory) (ice.UDPMux, error)

// Install is WithUDPMux with a platform check. port 0 leaves engine untouched.
func Install(engine *webrtc.SettingEngine, port uint16, lf logging.LoggerFactory) (ice.UDPMux, error) {
	if port == 0 {
		return nil, nil
	}
	if WithUDPMux == nil {
		return nil, ErrUnsupported
	}
	return WithUDPMux(engine, port, lf)
}
