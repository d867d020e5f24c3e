package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsreplay/tsreplay"
)

var (
	ctx, cancel = context.WithCancel(context.Background())

	filename    = flag.String("i", "", "the input TS/M2TS file")
	lock        = flag.String("lock", "", "path to a checkpoint file")
	loop        = flag.Bool("loop", false, "rewind to offset 0 on short read instead of EOF")
	pause       = flag.Bool("pause", false, "start paused")
	skip        = flag.Int64("skip", 0, "initial byte offset, overridden by a lock file if set")
	bufferMiB   = flag.Int("buffer-mib", 0, "input buffer size in MiB (default 2)")
	ring        = flag.Int("ring", 0, "handoff queue capacity in packets (default 2048)")
	checkLength = flag.Bool("check-length", false, "open, report length_ms, then exit")
	rtpAddr     = flag.String("rtp", "", "UDP multicast address to stream to, e.g. 239.1.1.1:5000")
	metricsAddr = flag.String("metrics", "", "address to serve Prometheus metrics on, e.g. :9090")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
	}
	cmd := astikit.FlagCmd()
	flag.Parse()

	handleSignals()

	if err := run(cmd); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(fmt.Errorf("tsreplay: %w", err))
	}
}

func run(cmd string) error {
	if *filename == "" {
		return errors.New("use -i to indicate an input file")
	}

	var metrics *tsreplay.Metrics
	if *metricsAddr != "" {
		metrics = tsreplay.NewMetrics(prometheus.Labels{"file": *filename})
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.Collectors()...)
		go serveMetrics(*metricsAddr, reg)
	}

	e, err := tsreplay.New(tsreplay.Options{
		Filename:            *filename,
		Lock:                *lock,
		Loop:                *loop,
		Pause:               *pause,
		Skip:                *skip,
		BufferSizeMiB:       *bufferMiB,
		RingCapacityPackets: *ring,
		CheckLength:         *checkLength,
		Metrics:             metrics,
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		e.Stop()
	}()

	if cmd == "check-length" || *checkLength {
		if err := e.Run(ctx); err != nil {
			return err
		}
		fmt.Printf("length_ms=%d\n", e.Length())
		return nil
	}

	var sink *tsreplay.RTPSink
	if *rtpAddr != "" {
		sink, err = tsreplay.NewRTPSink(*rtpAddr)
		if err != nil {
			return err
		}
		defer sink.Close()
		go drainToSink(ctx, e, sink)
	}

	if *lock != "" {
		go checkpointLoop(ctx, e)
	}

	return e.Run(ctx)
}

func drainToSink(ctx context.Context, e *tsreplay.Engine, sink *tsreplay.RTPSink) {
	if err := sink.Run(ctx, e.Queue()); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("tsreplay: rtp sink stopped: %v\n", err)
	}
}

func checkpointLoop(ctx context.Context, e *tsreplay.Engine) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := e.CheckpointTick(ctx); err != nil {
				log.Printf("tsreplay: checkpoint tick failed: %v\n", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("tsreplay: metrics server stopped: %v\n", err)
	}
}

func handleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch)
	go func() {
		for s := range ch {
			if s != syscall.SIGURG {
				log.Printf("Received signal %s\n", s)
			}
			switch s {
			case syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM:
				cancel()
				return
			}
		}
	}()
}
