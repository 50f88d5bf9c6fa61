// Package ntfy is a relay client for ntfy-compatible publish/subscribe
// servers. Messages are published with `POST {server}/{topic}`; a
// subscription streams `{server}/{topic}/json` (newline-delimited JSON),
// `{server}/{topic}/sse` or `{server}/{topic}/ws` depending on Mode.
package ntfy

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/donovanhide/eventsource"
	"github.com/gorilla/websocket"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/logging"
	"github.com/shynome/camrtc/signaler"
)

type Mode string

const (
	ModeJSON      Mode = "json"
	ModeSSE       Mode = "sse"
	ModeWebSocket Mode = "ws"
)

const DefaultServer = "https://ntfy.sh"

// maxLine bounds one relay event; ntfy caps message bodies well below this.
const maxLine = 1 << 20

type Options struct {
	// Server is the relay base url. Credentials in the url userinfo are sent
	// as HTTP basic auth.
	Server string
	Mode   Mode

	// Client is used for publishing. Subscriptions reuse its transport
	// without the request timeout.
	Client *http.Client

	LoggerFactory logging.LoggerFactory
}

type Relay struct {
	signaler *httpSignaler
	mode     Mode
	log      logging.LeveledLogger

	subs  map[string]*subscription
	subsL sync.Mutex

	closed uint32
}

var _ signaler.Relay = (*Relay)(nil)

type subscription struct {
	events chan signaler.Event
	cancel context.CancelFunc
}

func New(opts Options) (r *Relay, err error) {
	defer err2.Handle(&err)
	if opts.Server == "" {
		opts.Server = DefaultServer
	}
	if opts.Mode == "" {
		opts.Mode = ModeJSON
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Relay{
		signaler: try.To1(newHTTPSignaler(opts.Server, opts.Client)),
		mode:     opts.Mode,
		log:      opts.LoggerFactory.NewLogger("relay"),
		subs:     make(map[string]*subscription),
	}, nil
}

func (r *Relay) isClosed() bool { return atomic.LoadUint32(&r.closed) != 0 }

func (r *Relay) Publish(ctx context.Context, topic string, message string) (err error) {
	defer err2.Handle(&err)
	if r.isClosed() {
		return signaler.ErrRelayClosed
	}
	if topic == "" {
		return signaler.ErrEmptyTopic
	}
	req := try.To1(r.signaler.newReq(ctx, http.MethodPost, topic, "", strings.NewReader(message)))
	res := try.To1(r.signaler.doReq(r.signaler.client, req))
	res.Body.Close()
	return nil
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

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		events: make(chan signaler.Event, 16),
		cancel: cancel,
	}
	var start func(context.Context, string, *subscription) error
	switch r.mode {
	case ModeSSE:
		start = r.subscribeSSE
	case ModeWebSocket:
		start = r.subscribeWS
	default:
		start = r.subscribeJSON
	}
	if err = start(ctx, topic, sub); err != nil {
		cancel()
		return nil, err
	}
	r.subs[topic] = sub
	return sub.events, nil
}

func (r *Relay) forget(topic string, sub *subscription) {
	r.subsL.Lock()
	defer r.subsL.Unlock()
	if r.subs[topic] == sub {
		delete(r.subs, topic)
	}
}

func (r *Relay) emit(ctx context.Context, sub *subscription, ev signaler.Event) bool {
	select {
	case sub.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Relay) subscribeJSON(ctx context.Context, topic string, sub *subscription) (err error) {
	defer err2.Handle(&err)
	req := try.To1(r.signaler.newReq(ctx, http.MethodGet, topic, "/json", http.NoBody))
	res := try.To1(r.signaler.doReq(r.signaler.stream, req))
	go func() {
		defer res.Body.Close()
		defer close(sub.events)
		defer r.forget(topic, sub)
		defer sub.cancel()

		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 64*1024), maxLine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			ev, err := signaler.ParseEvent(line, topic)
			if err != nil {
				r.log.Warnf("drop relay line on %s: %v", topic, err)
				continue
			}
			if !r.emit(ctx, sub, ev) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			r.log.Warnf("relay stream %s ended: %v", topic, err)
			return
		}
		r.log.Debugf("relay stream %s closed", topic)
	}()
	return nil
}

func (r *Relay) subscribeSSE(ctx context.Context, topic string, sub *subscription) (err error) {
	defer err2.Handle(&err)
	req := try.To1(r.signaler.newReq(ctx, http.MethodGet, topic, "/sse", http.NoBody))
	req.Header.Set("Accept", "text/event-stream")
	res := try.To1(r.signaler.doReq(r.signaler.stream, req))
	go func() {
		defer res.Body.Close()
		defer close(sub.events)
		defer r.forget(topic, sub)
		defer sub.cancel()

		// the decoder is driven from this goroutine only, so cancelling ctx
		// ends the read and nothing else writes to sub.events.
		dec := eventsource.NewDecoder(res.Body)
		for {
			ev, err := dec.Decode()
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warnf("relay sse %s ended: %v", topic, err)
				}
				return
			}
			if ev.Data() == "" {
				continue
			}
			parsed, err := signaler.ParseEvent([]byte(ev.Data()), topic)
			if err != nil {
				r.log.Warnf("drop relay sse event on %s: %v", topic, err)
				continue
			}
			if name := ev.Event(); name != "" && name != signaler.EventMessage {
				parsed.Name = name
			}
			if !r.emit(ctx, sub, parsed) {
				return
			}
		}
	}()
	return nil
}

func (r *Relay) subscribeWS(ctx context.Context, topic string, sub *subscription) (err error) {
	defer err2.Handle(&err)
	wsURL := r.signaler.topicURL(topic, "/ws")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	r.signaler.auth(header)
	conn, _ := try.To2(websocket.DefaultDialer.DialContext(ctx, wsURL, header))
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(sub.events)
		defer r.forget(topic, sub)
		defer sub.cancel()
		defer conn.Close()
		conn.SetReadLimit(maxLine)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warnf("relay websocket %s ended: %v", topic, err)
				}
				return
			}
			ev, err := signaler.ParseEvent(data, topic)
			if err != nil {
				r.log.Warnf("drop relay ws message on %s: %v", topic, err)
				continue
			}
			if !r.emit(ctx, sub, ev) {
				return
			}
		}
	}()
	return nil
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
	return nil
}
