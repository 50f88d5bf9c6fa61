package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/logging"
)

var ErrClientClosed = errors.New("rpc client is closed")

// Sender writes one encoded message to the channel.
type Sender func(data []byte) error

type ClientOptions struct {
	// Timeout bounds calls whose context has no deadline.
	Timeout time.Duration

	LoggerFactory logging.LoggerFactory
}

type Client struct {
	send    Sender
	timeout time.Duration
	log     logging.LeveledLogger

	nextID atomic.Int64

	pending  map[int64]chan *Response
	pendingL sync.Mutex
	closeErr error
}

func NewClient(send Sender, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Client{
		send:    send,
		timeout: opts.Timeout,
		log:     opts.LoggerFactory.NewLogger("rpc"),
		pending: make(map[int64]chan *Response),
	}
}

func (c *Client) register(id int64) (chan *Response, error) {
	c.pendingL.Lock()
	defer c.pendingL.Unlock()
	if c.closeErr != nil {
		return nil, c.closeErr
	}
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Client) forget(id int64) {
	c.pendingL.Lock()
	defer c.pendingL.Unlock()
	delete(c.pending, id)
}

// Call sends method with params and waits for its response. When result is
// not nil the response result is decoded into it. A response carrying an
// error is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params any, result any) (err error) {
	defer err2.Handle(&err, "call %s", method)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	id := c.nextID.Add(1)
	req := Request{JSONRPC: Version, ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method}
	if params != nil {
		req.Params = try.To1(json.Marshal(params))
	}
	data := try.To1(json.Marshal(req))

	ch := try.To1(c.register(id))
	defer c.forget(id)
	try.To(c.send(data))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return c.closedErr()
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) != 0 {
			try.To(json.Unmarshal(resp.Result, result))
		}
		return nil
	}
}

// Notify sends method without an id; no response is expected.
func (c *Client) Notify(method string, params any) (err error) {
	defer err2.Handle(&err)
	if err = c.closedErr(); err != nil {
		return err
	}
	req := Request{JSONRPC: Version, Method: method}
	if params != nil {
		req.Params = try.To1(json.Marshal(params))
	}
	return c.send(try.To1(json.Marshal(req)))
}

func (c *Client) closedErr() error {
	c.pendingL.Lock()
	defer c.pendingL.Unlock()
	return c.closeErr
}

// Receive dispatches one incoming message, a response or a batch of
// responses, to the waiting calls.
func (c *Client) Receive(data []byte) error {
	var responses []Response
	if isBatch(data) {
		if err := json.Unmarshal(data, &responses); err != nil {
			return fmt.Errorf("decode responses: %w", err)
		}
	} else {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		responses = append(responses, resp)
	}
	for i := range responses {
		resp := &responses[i]
		id, err := strconv.ParseInt(string(resp.ID), 10, 64)
		if err != nil {
			c.log.Warnf("response with unknown id %s", resp.ID)
			continue
		}
		c.pendingL.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.pendingL.Unlock()
		if !ok {
			c.log.Debugf("late response %d", id)
			continue
		}
		ch <- resp
	}
	return nil
}

// Close fails every pending and future call with cause, ErrClientClosed
// when cause is nil.
func (c *Client) Close(cause error) {
	if cause == nil {
		cause = ErrClientClosed
	}
	c.pendingL.Lock()
	defer c.pendingL.Unlock()
	if c.closeErr != nil {
		return
	}
	c.closeErr = cause
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
