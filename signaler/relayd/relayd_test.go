package relayd

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
)

func newTestServer() (*Server, *httptest.Server) {
	s := New(Options{Release: true, KeepAlive: time.Second})
	return s, httptest.NewServer(s.Handler())
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer()
	defer ts.Close()

	res := try.To1(http.Get(ts.URL + "/v1/health"))
	defer res.Body.Close()
	assert.Equal(res.StatusCode, http.StatusOK)
}

func TestPublishTooLarge(t *testing.T) {
	_, ts := newTestServer()
	defer ts.Close()

	body := strings.Repeat("x", MaxMessage+1)
	res := try.To1(http.Post(ts.URL+"/wrtc", "text/plain", strings.NewReader(body)))
	defer res.Body.Close()
	assert.Equal(res.StatusCode, http.StatusRequestEntityTooLarge)
}

func TestJSONStream(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()

	res := try.To1(http.Get(ts.URL + "/wrtc/json"))
	defer res.Body.Close()
	assert.Equal(res.StatusCode, http.StatusOK)

	lines := make(chan Message, 8)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(res.Body)
		for scanner.Scan() {
			var m Message
			if json.Unmarshal(scanner.Bytes(), &m) == nil {
				lines <- m
			}
		}
	}()
	next := func() Message {
		select {
		case m := <-lines:
			return m
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for stream line")
		}
		return Message{}
	}

	open := next()
	assert.Equal(open.Event, "open")
	assert.Equal(open.Topic, "wrtc")

	// the subscription is registered before the open line is written
	assert.Equal(s.Hub().Subscribers("wrtc"), 1)
	pub := try.To1(http.Post(ts.URL+"/wrtc", "text/plain", strings.NewReader("u:e30=")))
	pub.Body.Close()
	assert.Equal(pub.StatusCode, http.StatusOK)

	for {
		m := next()
		if m.Event == "keepalive" {
			continue
		}
		assert.Equal(m.Event, "message")
		assert.Equal(m.Message, "u:e30=")
		assert.That(m.ID != "", "message id should be set")
		break
	}
}
