package camrtc

import (
	"context"
	"fmt"

	"github.com/pion/logging"
	"github.com/shynome/camrtc/config"
	"github.com/shynome/camrtc/signaler"
	"github.com/shynome/camrtc/signaler/ntfy"
	"github.com/shynome/camrtc/signaler/redisrelay"
)

// DialRelay opens the relay backend selected by cfg.
func DialRelay(ctx context.Context, cfg *config.Config, lf logging.LoggerFactory) (signaler.Relay, error) {
	switch cfg.Relay {
	case config.RelayNtfy:
		r, err := ntfy.New(ntfy.Options{
			Server:        cfg.Server,
			Mode:          ntfy.Mode(cfg.Stream),
			LoggerFactory: lf,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.RelayRedis:
		r, err := redisrelay.New(ctx, redisrelay.Options{
			URL:           cfg.Redis,
			LoggerFactory: lf,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown relay %q", cfg.Relay)
}
