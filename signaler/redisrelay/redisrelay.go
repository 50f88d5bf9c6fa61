// Package redisrelay carries relay topics over Redis PUBLISH/SUBSCRIBE, for
// deployments that already run Redis next to the devices.
package redisrelay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/logging"
	"github.com/redis/go-redis/v9"
	"github.com/shynome/camrtc/signaler"
)

type Options struct {
	// URL is a redis:// or rediss:// connection url. Ignored when Client is set.
	URL    string
	Client *redis.Client
	// Prefix is prepended to every topic to form the Redis channel name.
	Prefix string

	LoggerFactory logging.LoggerFactory
}

type Relay struct {
	client *redis.Client
	owned  bool
	prefix string
	log    logging.LeveledLogger

	subs  map[string]*subscription
	subsL sync.Mutex

	closed uint32
}

var _ signaler.Relay = (*Relay)(nil)

type subscription struct {
	pubsub *redis.PubSub
	events chan signaler.Event
	cancel context.CancelFunc
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options) (r *Relay, err error) {
	defer err2.Handle(&err, "redis relay")
	if opts.Prefix == "" {
		opts.Prefix = "camrtc:"
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	client, owned := opts.Client, false
	if client == nil {
		client = redis.NewClient(try.To1(redis.ParseURL(opts.URL)))
		owned = true
	}
	if err = client.Ping(ctx).Err(); err != nil {
		if owned {
			client.Close()
		}
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Relay{
		client: client,
		owned:  owned,
		prefix: opts.Prefix,
		log:    opts.LoggerFactory.NewLogger("relay"),
		subs:   make(map[string]*subscription),
	}, nil
}

func (r *Relay) channel(topic string) string { return r.prefix + topic }

func (r *Relay) isClosed() bool { return atomic.LoadUint32(&r.closed) != 0 }

func (r *Relay) Publish(ctx context.Context, topic string, message string) error {
	if r.isClosed() {
		return signaler.ErrRelayClosed
	}
	if topic == "" {
		return signaler.ErrEmptyTopic
	}
	return r.client.Publish(ctx, r.channel(topic), message).Err()
}

func (r *Relay) Subscribe(ctx context.Context, topic string) (ch <-chan signaler.Event, err error) {
	defer err2.Handle(&err)
	if r.isClosed() {
		return nil, signaler.ErrRelayClosed
	}
	if topic == "" {
		return nil, signaler.ErrEmptyTopic
	}
	r.subsL.Lock()
	defer r.subsL.Unlock()
	if sub, ok := r.subs[topic]; ok {
		return sub.events, nil
	}

	pubsub := r.client.Subscribe(ctx, r.channel(topic))
	// wait for the subscription confirmation so no publish after return is missed
	if _, err = pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		pubsub: pubsub,
		events: make(chan signaler.Event, 16),
		cancel: cancel,
	}
	r.subs[topic] = sub

	go func() {
		defer close(sub.events)
		defer r.forget(topic, sub)
		defer pubsub.Close()
		defer cancel()

		open := signaler.Event{Name: signaler.EventOpen, Topic: topic, Fields: map[string]any{"topic": topic}}
		select {
		case sub.events <- open:
		case <-ctx.Done():
			return
		}
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					r.log.Debugf("redis subscription %s closed", topic)
					return
				}
				id := uuid.NewString()
				ev := signaler.Event{
					ID:      id,
					Name:    signaler.EventMessage,
					Topic:   topic,
					Message: msg.Payload,
					Fields:  map[string]any{"id": id, "topic": topic, "message": msg.Payload},
				}
				select {
				case sub.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub.events, nil
}

func (r *Relay) forget(topic string, sub *subscription) {
	r.subsL.Lock()
	defer r.subsL.Unlock()
	if r.subs[topic] == sub {
		delete(r.subs, topic)
	}
}

func (r *Relay) Cancel(topic string) error {
	r.subsL.Lock()
	sub, ok := r.subs[topic]
	delete(r.subs, topic)
	r.subsL.Unlock()
	if !ok {
		return signaler.ErrNotSubscribed
	}
	sub.cancel()
	return nil
}

func (r *Relay) Close() error {
	if !atomic.CompareAndSwapUint32(&r.closed, 0, 1) {
		return nil
	}
	r.subsL.Lock()
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.subsL.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
	if r.owned {
		return r.client.Close()
	}
	return nil
}
