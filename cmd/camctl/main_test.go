package main

import (
	"testing"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
)

func TestParseCalls(t *testing.T) {
	calls := try.To1(parseCalls([]string{"getStatus", `blink={"pin":"P1-7"}`, `updateVideoConfig={"width":640,"height":480}`}))
	assert.Equal(len(calls), 3)
	assert.Equal(calls[0].method, "getStatus")
	assert.That(calls[0].params == nil, "no params")
	assert.Equal(calls[1].method, "blink")
	assert.Equal(string(calls[1].params), `{"pin":"P1-7"}`)

	_, err := parseCalls([]string{"blink={pin"})
	assert.That(err != nil, "invalid json rejected")
	_, err = parseCalls([]string{"=1"})
	assert.That(err != nil, "missing method rejected")
}
