// Package relayd serves a small ntfy-compatible relay for local
// development and tests: POST /:topic publishes, GET /:topic/json,
// /:topic/sse and /:topic/ws stream.
package relayd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/shynome/camrtc/signaler"
	"github.com/shynome/camrtc/signaler/local"
)

// MaxMessage is the largest accepted publish body.
const MaxMessage = 64 * 1024

type Options struct {
	Hub       *local.Hub
	KeepAlive time.Duration
	Release   bool

	LoggerFactory logging.LoggerFactory
}

type Server struct {
	hub       *local.Hub
	keepAlive time.Duration
	router    *gin.Engine
	log       logging.LeveledLogger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the wire object of every streamed event.
type Message struct {
	ID      string `json:"id"`
	Time    int64  `json:"time"`
	Event   string `json:"event"`
	Topic   string `json:"topic"`
	Message string `json:"message,omitempty"`
}

func New(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = local.NewHub()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 45 * time.Second
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		hub:       opts.Hub,
		keepAlive: opts.KeepAlive,
		router:    gin.New(),
		log:       opts.LoggerFactory.NewLogger("relayd"),
	}
	s.router.Use(gin.Recovery())
	s.router.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"healthy": true})
	})
	s.router.POST("/:topic", s.publish)
	s.router.PUT("/:topic", s.publish)
	s.router.GET("/:topic/json", s.streamJSON)
	s.router.GET("/:topic/sse", s.streamSSE)
	s.router.GET("/:topic/ws", s.streamWS)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *local.Hub { return s.hub }

func (s *Server) publish(c *gin.Context) {
	topic := c.Param("topic")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxMessage+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) > MaxMessage {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
		return
	}
	s.hub.Publish(topic, string(body))
	s.log.Debugf("published %d bytes to %s", len(body), topic)
	c.JSON(http.StatusOK, Message{
		Time:    time.Now().Unix(),
		Event:   signaler.EventMessage,
		Topic:   topic,
		Message: string(body),
	})
}

func toMessage(ev signaler.Event) Message {
	return Message{
		ID:      ev.ID,
		Time:    time.Now().Unix(),
		Event:   ev.Name,
		Topic:   ev.Topic,
		Message: ev.Message,
	}
}

func control(topic, event string) Message {
	return Message{Time: time.Now().Unix(), Event: event, Topic: topic}
}

// follow subscribes to topic for the lifetime of the request and calls
// write for the open event, each message and every keepalive.
func (s *Server) follow(c *gin.Context, write func(Message) error) {
	topic := c.Param("topic")
	ctx := c.Request.Context()
	client := s.hub.NewClient()
	defer client.Close()
	events, err := client.Subscribe(ctx, topic)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := write(control(topic, signaler.EventOpen)); err != nil {
		return
	}
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(control(topic, signaler.EventKeepalive)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := write(toMessage(ev)); err != nil {
				s.log.Debugf("subscriber of %s gone: %v", topic, err)
				return
			}
		}
	}
}

func (s *Server) streamJSON(c *gin.Context) {
	c.Header("Content-Type", "application/x-ndjson; charset=utf-8")
	c.Status(http.StatusOK)
	s.follow(c, func(m Message) error {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err = c.Writer.Write(append(b, '\n')); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
}

func (s *Server) streamSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	s.follow(c, func(m Message) error {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if m.Event == signaler.EventMessage {
			_, err = fmt.Fprintf(c.Writer, "id: %s\ndata: %s\n\n", m.ID, b)
		} else {
			_, err = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", m.Event, b)
		}
		if err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
}

func (s *Server) streamWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	c.Request = c.Request.WithContext(ctx)
	go func() {
		// drain control frames so close handshakes are observed
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	s.follow(c, func(m Message) error {
		return conn.WriteJSON(m)
	})
}
