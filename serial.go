package camrtc

import (
	"context"
	"sync"
)

// serial runs queued work one item at a time, in push order. push never
// blocks, so pion callbacks can feed it from their read loops.
type serial struct {
	mu     sync.Mutex
	items  []func()
	notify chan struct{}
}

func newSerial() *serial {
	return &serial{notify: make(chan struct{}, 1)}
}

func (s *serial) push(fn func()) {
	s.mu.Lock()
	s.items = append(s.items, fn)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *serial) pop() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil
	}
	fn := s.items[0]
	s.items[0] = nil
	s.items = s.items[1:]
	return fn
}

// run executes work until ctx is done. Work still queued at that point is
// dropped.
func (s *serial) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}
		for fn := s.pop(); fn != nil; fn = s.pop() {
			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}
