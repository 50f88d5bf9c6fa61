package board

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
)

type recPins struct {
	mu     sync.Mutex
	states []bool
}

func (p *recPins) Set(pin string, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, on)
	return nil
}

func (p *recPins) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

func TestBlinkBeforeReady(t *testing.T) {
	b := New(Options{})
	assert.Equal(b.Status(), StatusUnavailable)
	assert.That(errors.Is(b.Blink("P1-7"), ErrNotReady), "want ErrNotReady")
}

func TestBlinkStrobes(t *testing.T) {
	b := New(Options{Period: 5 * time.Millisecond})
	pins := &recPins{}
	b.Ready(pins)
	assert.Equal(b.Status(), StatusReady)

	try.To(b.Blink("P1-7"))
	deadline := time.Now().Add(2 * time.Second)
	for pins.count() < 4 {
		if time.Now().After(deadline) {
			t.Fatal("pin not toggled")
		}
		time.Sleep(time.Millisecond)
	}
	try.To(b.Close())

	pins.mu.Lock()
	defer pins.mu.Unlock()
	assert.Equal(pins.states[0], true)
	assert.Equal(pins.states[1], false)
	assert.Equal(pins.states[2], true)
}
