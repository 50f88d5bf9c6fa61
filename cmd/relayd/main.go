package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lainio/err2/try"
	"github.com/pion/logging"
	"github.com/shynome/camrtc/config"
	"github.com/shynome/camrtc/signaler/relayd"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	keepAlive := flag.Duration("keepalive", 45*time.Second, "keepalive event interval")
	level := flag.String("log", "info", "log level")
	flag.Parse()

	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = try.To1(config.ParseLevel(*level))
	log := lf.NewLogger("relayd")

	srv := &http.Server{
		Addr: *addr,
		Handler: relayd.New(relayd.Options{
			KeepAlive:     *keepAlive,
			Release:       true,
			LoggerFactory: lf,
		}).Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.Infof("relay listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("serve: %v", err)
		os.Exit(1)
	}
}
