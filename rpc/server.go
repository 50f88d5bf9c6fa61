package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/logging"
)

// Handler serves one method. params is the raw "params" member, empty when
// the request had none.
type Handler func(ctx context.Context, params json.RawMessage) (result any, err error)

type ServerOptions struct {
	LoggerFactory logging.LoggerFactory
}

type Server struct {
	methods  map[string]Handler
	methodsL sync.RWMutex
	log      logging.LeveledLogger
}

func NewServer(opts ServerOptions) *Server {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Server{
		methods: make(map[string]Handler),
		log:     opts.LoggerFactory.NewLogger("rpc"),
	}
}

// Register adds or replaces the handler of name.
func (s *Server) Register(name string, h Handler) {
	s.methodsL.Lock()
	defer s.methodsL.Unlock()
	s.methods[name] = h
}

func (s *Server) lookup(name string) (Handler, bool) {
	s.methodsL.RLock()
	defer s.methodsL.RUnlock()
	h, ok := s.methods[name]
	return h, ok
}

// Handle processes one incoming message, a single request or a batch, and
// returns the encoded reply. reply is nil when every request was a
// notification.
func (s *Server) Handle(ctx context.Context, data []byte) (reply []byte, err error) {
	if !isBatch(data) {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return json.Marshal(Response{Error: NewError(CodeParseError, "parse error: %v", err)})
		}
		resp, ok := s.call(ctx, &req)
		if !ok {
			return nil, nil
		}
		return json.Marshal(resp)
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		return json.Marshal(Response{Error: NewError(CodeParseError, "parse error: %v", err)})
	}
	if len(batch) == 0 {
		return json.Marshal(Response{Error: NewError(CodeInvalidRequest, "empty batch")})
	}
	responses := make([]Response, 0, len(batch))
	for _, raw := range batch {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			responses = append(responses, Response{Error: NewError(CodeInvalidRequest, "invalid request: %v", err)})
			continue
		}
		if resp, ok := s.call(ctx, &req); ok {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil, nil
	}
	return json.Marshal(responses)
}

// call runs one request. ok is false for notifications.
func (s *Server) call(ctx context.Context, req *Request) (resp Response, ok bool) {
	resp.ID = req.ID
	ok = !req.IsNotification()
	if req.JSONRPC != Version || req.Method == "" {
		resp.Error = NewError(CodeInvalidRequest, "invalid request")
		return resp, true
	}
	h, found := s.lookup(req.Method)
	if !found {
		s.log.Debugf("method not found: %s", req.Method)
		resp.Error = NewError(CodeMethodNotFound, "method not found: %s", req.Method)
		return
	}
	result, err := s.invoke(ctx, h, req.Params)
	if err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			rerr = &Error{Code: CodeServerError, Message: err.Error()}
		}
		s.log.Debugf("%s failed: %v", req.Method, err)
		resp.Error = rerr
		return
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = NewError(CodeInternalError, "encode result: %v", err)
			return
		}
		resp.Result = raw
	}
	return
}

// invoke runs h and turns a panic into an internal error.
func (s *Server) invoke(ctx context.Context, h Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("handler panic: %v", r)
			err = NewError(CodeInternalError, "internal error")
		}
	}()
	return h(ctx, params)
}

// Method adapts a typed function to a Handler. Params are decoded into P;
// a decode failure is reported as invalid params.
func Method[P any, R any](f func(ctx context.Context, params P) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if len(raw) != 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, NewError(CodeInvalidParams, "invalid params: %v", err)
			}
		}
		return f(ctx, params)
	}
}

// Empty is the params type of methods taking none. Whatever params the
// caller sent are ignored.
type Empty struct{}

func (*Empty) UnmarshalJSON([]byte) error { return nil }
