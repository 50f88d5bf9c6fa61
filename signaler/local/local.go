// Package local is an in-process relay. Every client registered on a Hub
// sees every message published to a topic it subscribed, including its own,
// the same fan-out a public relay performs.
package local

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shynome/camrtc/signaler"
)

type Hub struct {
	subs  map[string]map[*subscription]struct{}
	subsL *sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		subs:  make(map[string]map[*subscription]struct{}),
		subsL: &sync.RWMutex{},
	}
}

type subscription struct {
	topic string
	in    chan signaler.Event
	out   chan signaler.Event
	done  chan struct{}
	once  sync.Once
}

func (sub *subscription) close() {
	sub.once.Do(func() { close(sub.done) })
}

func (hub *Hub) add(sub *subscription) {
	hub.subsL.Lock()
	defer hub.subsL.Unlock()
	set, ok := hub.subs[sub.topic]
	if !ok {
		set = make(map[*subscription]struct{})
		hub.subs[sub.topic] = set
	}
	set[sub] = struct{}{}
}

func (hub *Hub) remove(sub *subscription) {
	hub.subsL.Lock()
	defer hub.subsL.Unlock()
	if set, ok := hub.subs[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(hub.subs, sub.topic)
		}
	}
}

// Publish delivers message to every current subscriber of topic.
func (hub *Hub) Publish(topic, message string) {
	hub.subsL.RLock()
	targets := make([]*subscription, 0, len(hub.subs[topic]))
	for sub := range hub.subs[topic] {
		targets = append(targets, sub)
	}
	hub.subsL.RUnlock()

	id := uuid.NewString()
	ev := signaler.Event{
		ID:      id,
		Name:    signaler.EventMessage,
		Topic:   topic,
		Message: message,
		Fields:  map[string]any{"id": id, "topic": topic, "message": message},
	}
	for _, sub := range targets {
		select {
		case sub.in <- ev:
		case <-sub.done:
		}
	}
}

// Subscribers returns how many subscriptions topic currently has.
func (hub *Hub) Subscribers(topic string) int {
	hub.subsL.RLock()
	defer hub.subsL.RUnlock()
	return len(hub.subs[topic])
}

// Client is one participant attached to a Hub.
type Client struct {
	hub *Hub

	subs  map[string]*subscription
	subsL sync.Mutex

	closed uint32
}

var _ signaler.Relay = (*Client)(nil)

func (hub *Hub) NewClient() *Client {
	return &Client{
		hub:  hub,
		subs: make(map[string]*subscription),
	}
}

func (c *Client) isClosed() bool { return atomic.LoadUint32(&c.closed) != 0 }

func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan signaler.Event, error) {
	if c.isClosed() {
		return nil, signaler.ErrRelayClosed
	}
	if topic == "" {
		return nil, signaler.ErrEmptyTopic
	}
	c.subsL.Lock()
	defer c.subsL.Unlock()
	if sub, ok := c.subs[topic]; ok {
		return sub.out, nil
	}
	sub := &subscription{
		topic: topic,
		in:    make(chan signaler.Event, 64),
		out:   make(chan signaler.Event),
		done:  make(chan struct{}),
	}
	c.subs[topic] = sub
	c.hub.add(sub)

	go func() {
		defer close(sub.out)
		defer c.hub.remove(sub)
		for {
			select {
			case <-ctx.Done():
				c.forget(topic, sub)
				return
			case <-sub.done:
				return
			case ev := <-sub.in:
				select {
				case sub.out <- ev:
				case <-sub.done:
					return
				case <-ctx.Done():
					c.forget(topic, sub)
					return
				}
			}
		}
	}()
	return sub.out, nil
}

func (c *Client) forget(topic string, sub *subscription) {
	c.subsL.Lock()
	if c.subs[topic] == sub {
		delete(c.subs, topic)
	}
	c.subsL.Unlock()
	sub.close()
}

func (c *Client) Publish(ctx context.Context, topic string, message string) error {
	if c.isClosed() {
		return signaler.ErrRelayClosed
	}
	if topic == "" {
		return signaler.ErrEmptyTopic
	}
	c.hub.Publish(topic, message)
	return ctx.Err()
}

func (c *Client) Cancel(topic string) error {
	c.subsL.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.subsL.Unlock()
	if !ok {
		return signaler.ErrNotSubscribed
	}
	sub.close()
	return nil
}

func (c *Client) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	c.subsL.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.subsL.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return nil
}
