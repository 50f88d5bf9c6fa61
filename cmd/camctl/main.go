// Command camctl dials a camera device, runs control channel calls given as
// arguments (method or method=jsonparams) and optionally records the video.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/shynome/camrtc"
	"github.com/shynome/camrtc/config"
)

func main() {
	defer err2.Catch(func(err error) {
		fmt.Fprintln(os.Stderr, "camctl:", err)
		os.Exit(1)
	})

	fs := flag.NewFlagSet("camctl", flag.ExitOnError)
	record := fs.String("record", "", "write the incoming video to this IVF file")
	duration := fs.Duration("duration", 10*time.Second, "recording length, 0 records until interrupted")
	timeout := fs.Duration("timeout", 30*time.Second, "connect timeout")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: camctl [flags] [method[=jsonparams] ...]\n")
		fs.PrintDefaults()
	}
	cfg := try.To1(config.Load(fs, os.Args[1:]))
	calls := try.To1(parseCalls(fs.Args()))
	lf := cfg.LoggerFactory()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := try.To1(camrtc.DialRelay(ctx, cfg, lf))
	defer relay.Close()
	op := try.To1(camrtc.NewOperator(camrtc.OperatorOptions{
		Relay:         relay,
		Topic:         cfg.Topic,
		ICEServers:    camrtc.ICEServers(cfg.STUN...),
		UDPPort:       cfg.UDPPort,
		LoggerFactory: lf,
	}))
	defer op.Close()

	connCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	try.To(op.Connect(connCtx))

	for _, c := range calls {
		var params any
		if c.params != nil {
			params = c.params
		}
		var result json.RawMessage
		if err := op.Call(ctx, c.method, params, &result); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", c.method, err)
			continue
		}
		fmt.Printf("%s: %s\n", c.method, result)
	}

	if *record == "" {
		return
	}
	f := try.To1(os.Create(*record))
	recCtx := ctx
	if *duration > 0 {
		var cancel context.CancelFunc
		recCtx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	stats := try.To1(op.Record(recCtx, f))
	fmt.Printf("recorded %d frames (%d keyframes, %d packets) to %s\n", stats.Frames, stats.Keyframes, stats.Packets, *record)
}

type call struct {
	method string
	params json.RawMessage
}

func parseCalls(args []string) ([]call, error) {
	calls := make([]call, 0, len(args))
	for _, arg := range args {
		method, params, hasParams := strings.Cut(arg, "=")
		if method == "" {
			return nil, fmt.Errorf("call %q has no method", arg)
		}
		c := call{method: method}
		if hasParams {
			if !json.Valid([]byte(params)) {
				return nil, errors.New("params of " + method + " are not valid json")
			}
			c.params = json.RawMessage(params)
		}
		calls = append(calls, c)
	}
	return calls, nil
}
