package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/shynome/camrtc"
	"github.com/shynome/camrtc/board"
	"github.com/shynome/camrtc/capture"
	"github.com/shynome/camrtc/config"
)

func main() {
	defer err2.Catch(func(err error) {
		fmt.Fprintln(os.Stderr, "camrtc:", err)
		os.Exit(1)
	})

	fs := flag.NewFlagSet("camrtc", flag.ExitOnError)
	logPins := fs.Bool("log-pins", false, "mark the board ready and log pin changes instead of driving GPIO")
	autostart := fs.Bool("autostart", false, "start capturing before any operator asks")
	cfg := try.To1(config.Load(fs, os.Args[1:]))
	lf := cfg.LoggerFactory()
	log := lf.NewLogger("camrtc")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := try.To1(camrtc.DialRelay(ctx, cfg, lf))
	defer relay.Close()

	pipeline := try.To1(capture.New(capture.Options{
		Config:        cfg.Video,
		Spawner:       &capture.FFmpeg{Path: cfg.FFmpeg, LoggerFactory: lf},
		LoggerFactory: lf,
	}))
	b := board.New(board.Options{LoggerFactory: lf})
	if *logPins {
		b.Ready(board.LogPins{Log: lf.NewLogger("pins")})
	}

	dev := try.To1(camrtc.NewDevice(camrtc.DeviceOptions{
		Relay:         relay,
		Topic:         cfg.Topic,
		ICEServers:    camrtc.ICEServers(cfg.STUN...),
		UDPPort:       cfg.UDPPort,
		Pipeline:      pipeline,
		Board:         b,
		LoggerFactory: lf,
	}))
	defer dev.Close()
	try.To(dev.Start(ctx))

	if cfg.VideoConfig != "" {
		try.To(config.Watch(ctx, cfg.VideoConfig, log, func(patch capture.Patch) {
			if _, err := dev.Reconfigure(patch); err != nil {
				log.Errorf("apply %s: %v", cfg.VideoConfig, err)
			}
		}))
	}
	if *autostart {
		try.To1(dev.StartVideo())
	}

	log.Infof("device %s waiting for operators on %s (%s relay)", dev.Engine().ID(), cfg.Topic, cfg.Relay)
	<-ctx.Done()
	log.Infof("shutting down")
}
