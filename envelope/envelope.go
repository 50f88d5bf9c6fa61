// Package envelope encodes signaling payloads for relay transport.
//
// A payload is serialized to JSON; when the JSON exceeds Threshold bytes it is
// zlib-deflated and tagged "c:", otherwise tagged "u:". The bytes after the
// tag are standard base64. Untagged base64 JSON is accepted on decode for
// peers that predate the tags.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/shynome/camrtc/signaler"
)

const Threshold = 1000

const (
	TagCompressed   = "c:"
	TagUncompressed = "u:"
)

// DecodeError reports a malformed envelope. It is recoverable: the relay
// listener drops the message and keeps reading.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func Encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if len(raw) <= Threshold {
		return TagUncompressed + base64.StdEncoding.EncodeToString(raw), nil
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err = zw.Write(raw); err != nil {
		return "", err
	}
	if err = zw.Close(); err != nil {
		return "", err
	}
	return TagCompressed + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func Decode(s string, v any) error {
	s = strings.TrimSpace(s)
	compressed := false
	switch {
	case strings.HasPrefix(s, TagCompressed):
		compressed = true
		s = s[len(TagCompressed):]
	case strings.HasPrefix(s, TagUncompressed):
		s = s[len(TagUncompressed):]
	}
	raw, err := decodeBase64(s)
	if err != nil {
		return &DecodeError{Stage: "base64", Err: err}
	}
	if compressed {
		if raw, err = inflate(raw); err != nil {
			return &DecodeError{Stage: "inflate", Err: err}
		}
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Stage: "json", Err: err}
	}
	return nil
}

// Seal encodes a signaling envelope.
func Seal(env signaler.Envelope) (string, error) { return Encode(env) }

// Open decodes a signaling envelope.
func Open(s string) (env signaler.Envelope, err error) {
	err = Decode(s, &env)
	return
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty payload")
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return raw, nil
	}
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, derr := enc.DecodeString(s); derr == nil {
			return raw, nil
		}
	}
	return nil, err
}

func inflate(raw []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
