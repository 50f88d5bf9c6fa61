package redisrelay

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/shynome/camrtc/signaler"
)

// CAMRTC_TEST_REDIS points at a disposable server, e.g. redis://127.0.0.1:6379/15
func testURL(t *testing.T) string {
	u := os.Getenv("CAMRTC_TEST_REDIS")
	if u == "" {
		t.Skip("CAMRTC_TEST_REDIS not set")
	}
	return u
}

func TestBadURL(t *testing.T) {
	_, err := New(context.Background(), Options{URL: "not-a-redis-url"})
	assert.That(err != nil, "invalid url should fail")
}

func TestPublishSubscribe(t *testing.T) {
	url := testURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := try.To1(New(ctx, Options{URL: url, Prefix: "camrtc-test:"}))
	defer a.Close()
	b := try.To1(New(ctx, Options{URL: url, Prefix: "camrtc-test:"}))
	defer b.Close()

	ch := try.To1(b.Subscribe(ctx, "wrtc"))
	again := try.To1(b.Subscribe(ctx, "wrtc"))
	assert.That(ch == again, "second subscribe should reuse the stream")

	try.To(a.Publish(ctx, "wrtc", "u:e30="))
	for {
		select {
		case ev := <-ch:
			if !ev.IsMessage() {
				continue
			}
			assert.Equal(ev.Message, "u:e30=")
			assert.Equal(ev.Topic, "wrtc")
			try.To(b.Cancel("wrtc"))
			assert.That(errors.Is(b.Cancel("wrtc"), signaler.ErrNotSubscribed), "want signaler.ErrNotSubscribed")
			return
		case <-ctx.Done():
			t.Fatal("timeout waiting for message")
		}
	}
}
