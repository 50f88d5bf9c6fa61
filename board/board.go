// Package board is the hardware collaborator of the device: it reports
// whether the I/O board is ready and strobes LEDs on request.
package board

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

var ErrNotReady = errors.New("board is not ready")

// StrobePeriod is the LED toggle period used by Blink.
const StrobePeriod = 500 * time.Millisecond

const (
	StatusReady       = "ready"
	StatusUnavailable = "unavailable"
)

// Pins drives output pins.
type Pins interface {
	Set(pin string, on bool) error
}

type Options struct {
	Period        time.Duration
	LoggerFactory logging.LoggerFactory
}

type Board struct {
	ready  atomic.Bool
	pins   Pins
	period time.Duration
	log    logging.LeveledLogger

	strobes  map[string]chan struct{}
	strobesL sync.Mutex
}

func New(opts Options) *Board {
	if opts.Period <= 0 {
		opts.Period = StrobePeriod
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Board{
		period:  opts.Period,
		log:     opts.LoggerFactory.NewLogger("board"),
		strobes: make(map[string]chan struct{}),
	}
}

// Ready attaches pins and marks the board ready. Until then Blink fails
// with ErrNotReady.
func (b *Board) Ready(pins Pins) {
	b.strobesL.Lock()
	b.pins = pins
	b.strobesL.Unlock()
	b.ready.Store(true)
	b.log.Info("board ready")
}

func (b *Board) IsReady() bool { return b.ready.Load() }

func (b *Board) Status() string {
	if b.IsReady() {
		return StatusReady
	}
	return StatusUnavailable
}

// Blink strobes pin until Close. Blinking a pin that already strobes
// restarts its cycle.
func (b *Board) Blink(pin string) error {
	if !b.IsReady() {
		return ErrNotReady
	}
	if pin == "" {
		return errors.New("pin is required")
	}
	b.strobesL.Lock()
	defer b.strobesL.Unlock()
	if stop, ok := b.strobes[pin]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	b.strobes[pin] = stop
	go b.strobe(b.pins, pin, stop)
	return nil
}

func (b *Board) strobe(pins Pins, pin string, stop chan struct{}) {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()
	on := true
	for {
		if err := pins.Set(pin, on); err != nil {
			b.log.Warnf("set %s: %v", pin, err)
			return
		}
		select {
		case <-stop:
			pins.Set(pin, false)
			return
		case <-ticker.C:
			on = !on
		}
	}
}

// Close stops every strobe.
func (b *Board) Close() error {
	b.strobesL.Lock()
	defer b.strobesL.Unlock()
	for pin, stop := range b.strobes {
		close(stop)
		delete(b.strobes, pin)
	}
	return nil
}

// LogPins only logs pin changes. Used on hosts without GPIO.
type LogPins struct {
	Log logging.LeveledLogger
}

func (p LogPins) Set(pin string, on bool) error {
	if p.Log != nil {
		p.Log.Debugf("pin %s on=%v", pin, on)
	}
	return nil
}
