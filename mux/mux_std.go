//go:build !(js || wasip1)

package mux

import (
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

func init() {
	WithUDPMux = func(engine *webrtc.SettingEngine, port uint16, lf logging.LoggerFactory) (ice.UDPMux, error) {
		if lf == nil {
			lf = logging.NewDefaultLoggerFactory()
		}
		mux, err := ice.NewMultiUDPMuxFromPort(int(port), ice.UDPMuxFromPortWithLogger(lf.NewLogger("mux")))
		if err != nil {
			return nil, err
		}
		engine.SetICEUDPMux(mux)
		return mux, nil
	}
}
