// SPDX-License-Identifier: MIT

// Command foveacam is the capture client: it samples frames from a source
// (synthetic pattern or a directory of JPEGs), ships them to the inference
// server, and logs the detections that come back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/fovealabs/fovea/internal/capture"
	"github.com/fovealabs/fovea/internal/dispatch"
	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/log"
	"github.com/fovealabs/fovea/internal/transport"
)

var version = "v0.1.0"

const (
	exitFlags  = 2
	exitSource = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		serverAddr  = flag.String("server", "127.0.0.1:5555", "inference server address")
		streamID    = flag.String("stream", "", "stream identifier (required)")
		sourceKind  = flag.String("source", "synthetic", `frame source: "synthetic" or a directory of JPEG files`)
		fps         = flag.Float64("fps", 10, "target capture rate, frames per second")
		width       = flag.Int("width", 640, "synthetic frame width")
		height      = flag.Int("height", 480, "synthetic frame height")
		quality     = flag.Int("quality", 80, "JPEG encode quality, 1-100")
		loop        = flag.Bool("loop", true, "replay a directory source forever")
		statsEvery  = flag.Duration("stats-interval", 5*time.Second, "capture stats log period (0 disables)")
		outputDir   = flag.String("output", "", "also persist received results as JSON files under this directory")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	log.Configure(log.Config{
		Level:   *logLevel,
		Service: "foveacam",
		Version: version,
	})
	logger := log.WithComponent("foveacam")

	if *streamID == "" {
		logger.Error().Msg("--stream is required")
		return exitFlags
	}
	if *fps <= 0 {
		logger.Error().Float64("fps", *fps).Msg("--fps must be positive")
		return exitFlags
	}

	var src capture.Source
	if *sourceKind == "synthetic" {
		src = capture.NewSyntheticSource(*width, *height, *quality)
	} else {
		fileSrc, err := capture.NewFileSource(*sourceKind, *loop)
		if err != nil {
			logger.Error().Err(err).Str("dir", *sourceKind).Msg("frame source unusable")
			return exitSource
		}
		src = fileSrc
	}

	var sink dispatch.Sink
	if *outputDir != "" {
		dirSink, err := dispatch.NewDirSink(*outputDir)
		if err != nil {
			logger.Error().Err(err).Str("dir", *outputDir).Msg("output directory unusable")
			return exitSource
		}
		sink = dispatch.NewInstrumentedSink(dirSink, "client_dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	client := transport.NewClient(*serverAddr, *streamID, clk)
	worker := capture.NewWorker(*streamID, src, client, *fps, *statsEvery, clk)

	captureCtx, stopCapture := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		client.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer stopCapture()
		return worker.Run(captureCtx)
	})
	g.Go(func() error {
		logResults(gctx, client.Results(), *streamID, sink)
		return nil
	})

	logger.Info().
		Str("server", *serverAddr).
		Str(log.FieldStreamID, *streamID).
		Float64("fps", *fps).
		Str(log.FieldEvent, "foveacam.started").
		Msg("capture started")

	<-captureCtx.Done()
	client.Goodbye("capture_finished")
	stop()

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("capture failed")
		return 1
	}
	logger.Info().Str(log.FieldEvent, "foveacam.stopped").Msg("capture stopped")
	return 0
}

// logResults drains inference results until the client shuts down,
// persisting them locally when a sink is configured.
func logResults(ctx context.Context, results <-chan frame.Result, streamID string, sink dispatch.Sink) {
	logger := log.WithStream("results", streamID)
	for r := range results {
		logger.Info().
			Uint64(log.FieldSeq, r.Seq).
			Str("status", string(r.Status)).
			Int("detections", len(r.Detections)).
			Dur("inference", r.InferenceLatency).
			Msg("result")
		if sink != nil {
			if err := sink.Write(ctx, r); err != nil {
				logger.Warn().Err(err).Uint64(log.FieldSeq, r.Seq).Msg("result persist failed")
			}
		}
	}
}
