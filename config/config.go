// Package config reads process settings from flags, falling back to
// environment variables, and hot-reloads the video config file.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pion/logging"
	"github.com/shynome/camrtc/capture"
)

const (
	DefaultServer = "https://ntfy.sh"
	DefaultTopic  = "wrtc"
	DefaultSTUN   = "stun:stun.relay.metered.ca:80"
)

// Relay backends.
const (
	RelayNtfy  = "ntfy"
	RelayRedis = "redis"
)

type Config struct {
	Server string
	Topic  string
	// Relay selects the backend, RelayNtfy or RelayRedis.
	Relay string
	// Stream is the ntfy subscription mode: json, sse or ws.
	Stream string
	Redis  string
	STUN   []string

	UDPPort uint16
	FFmpeg  string
	// VideoConfig is an optional JSON file holding a partial video config.
	VideoConfig string
	Video       capture.Config

	LogLevel string
}

func getEnv(defaultValue string, keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return defaultValue
}

// Load registers the shared flags on fs, parses args and reads the video
// config file when one is set. Callers may register their own flags on fs
// first.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{Video: capture.DefaultConfig()}
	var stun, port string
	fs.StringVar(&cfg.Server, "server", getEnv(DefaultServer, "NTFY_SERVER", "VITE_NTFY_SERVER"), "relay server url, credentials in the url are sent as basic auth")
	fs.StringVar(&cfg.Topic, "topic", getEnv(DefaultTopic, "NTFY_TOPIC", "VITE_NTFY_TOPIC"), "relay topic")
	fs.StringVar(&cfg.Relay, "relay", getEnv(RelayNtfy, "CAMRTC_RELAY"), "relay backend: ntfy or redis")
	fs.StringVar(&cfg.Stream, "stream", getEnv("json", "CAMRTC_STREAM"), "ntfy subscription mode: json, sse or ws")
	fs.StringVar(&cfg.Redis, "redis", getEnv("redis://127.0.0.1:6379/0", "CAMRTC_REDIS"), "redis url for the redis relay")
	fs.StringVar(&stun, "stun", getEnv(DefaultSTUN, "CAMRTC_STUN"), "comma separated ICE server urls")
	fs.StringVar(&port, "udp-port", getEnv("0", "CAMRTC_UDP_PORT"), "serve ICE on this single UDP port, 0 disables the mux")
	fs.StringVar(&cfg.FFmpeg, "ffmpeg", getEnv("ffmpeg", "CAMRTC_FFMPEG"), "ffmpeg binary")
	fs.StringVar(&cfg.VideoConfig, "video-config", getEnv("", "CAMRTC_VIDEO_CONFIG"), "json file with video config overrides, watched for changes")
	fs.StringVar(&cfg.LogLevel, "log", getEnv("info", "CAMRTC_LOG"), "log level: disabled, error, warn, info, debug, trace")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, u := range strings.Split(stun, ",") {
		if u = strings.TrimSpace(u); u != "" {
			cfg.STUN = append(cfg.STUN, u)
		}
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("udp-port: %w", err)
	}
	cfg.UDPPort = uint16(p)
	switch cfg.Relay {
	case RelayNtfy, RelayRedis:
	default:
		return nil, fmt.Errorf("unknown relay %q", cfg.Relay)
	}
	switch cfg.Stream {
	case "json", "sse", "ws":
	default:
		return nil, fmt.Errorf("unknown stream mode %q", cfg.Stream)
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if cfg.VideoConfig != "" {
		if cfg.Video, err = LoadVideo(cfg.VideoConfig, cfg.Video); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ReadPatch decodes the partial video config stored at path.
func ReadPatch(path string) (patch capture.Patch, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return patch, err
	}
	if err = json.Unmarshal(b, &patch); err != nil {
		return patch, fmt.Errorf("parse %s: %w", path, err)
	}
	return patch, nil
}

// LoadVideo applies the file at path to base. A missing file leaves base
// unchanged.
func LoadVideo(path string, base capture.Config) (capture.Config, error) {
	patch, err := ReadPatch(path)
	if errors.Is(err, os.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return base, err
	}
	next := base.Apply(patch)
	if err := next.Validate(); err != nil {
		return base, fmt.Errorf("%s: %w", path, err)
	}
	return next, nil
}

func ParseLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info", "":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", s)
}

// LoggerFactory returns a pion logger factory at the configured level.
func (c *Config) LoggerFactory() logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	if level, err := ParseLevel(c.LogLevel); err == nil {
		lf.DefaultLogLevel = level
	}
	return lf
}
