// serialwarp-sink receives a SerialWarp stream over the USB link or the
// QUIC dev link, decodes it, and presents it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zsiec/serialwarp/pipeline"
	"github.com/zsiec/serialwarp/transport"
)

var version = "dev"

type options struct {
	maxWidth   uint32
	maxHeight  uint32
	maxFPS     uint32
	credits    uint16
	ping       bool
	link       string
	listenAddr string
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := options{}
	cmd := &cobra.Command{
		Use:     "serialwarp-sink",
		Short:   "Receive and display video from a SerialWarp source",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().Uint32Var(&opts.maxWidth, "max-width", 3840, "maximum supported width")
	cmd.Flags().Uint32Var(&opts.maxHeight, "max-height", 2160, "maximum supported height")
	cmd.Flags().Uint32Var(&opts.maxFPS, "max-fps", 120, "maximum supported fps")
	cmd.Flags().Uint16Var(&opts.credits, "credits", 8, "initial flow control credits")
	cmd.Flags().BoolVar(&opts.ping, "ping", true, "probe round-trip latency")
	cmd.Flags().StringVar(&opts.link, "link", "usb", "link type: usb or quic")
	cmd.Flags().StringVar(&opts.listenAddr, "listen", ":7246", "listen address for the quic link")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		slog.Error("sink failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	tr, err := openLink(ctx, opts)
	if err != nil {
		return err
	}
	defer tr.Close()

	// Hardware decode and the render window live outside this
	// repository; headless runs pass frames through.
	newDecoder := func() (pipeline.Decoder, error) { return pipeline.NullDecoder{}, nil }
	newDisplay := func() (pipeline.Display, error) { return pipeline.NullDisplay{}, nil }

	sink := pipeline.NewSink(tr, newDecoder, newDisplay, pipeline.SinkConfig{
		SoftwareVersion: 1,
		MaxWidth:        opts.maxWidth,
		MaxHeight:       opts.maxHeight,
		MaxFPS:          opts.maxFPS,
		HiDPI:           true,
		Audio:           true,
		InitialCredits:  opts.credits,
		EnablePing:      opts.ping,
	}, slog.Default())

	sink.OnStats(func(s pipeline.StatsSnapshot) {
		slog.Info("stats", "fps", fmt.Sprintf("%.1f", s.CurrentFPS),
			"mbps", fmt.Sprintf("%.2f", s.CurrentBitrateBps/1e6),
			"received", s.FramesCaptured, "dropped", s.FramesDropped,
			"rttUs", s.LatencyMicros)
	})
	sink.OnError(func(err error) {
		slog.Warn("pipeline error", "error", err)
	})

	if err := sink.WaitForConnection(ctx); err != nil {
		return fmt.Errorf("waiting for connection: %w", err)
	}
	if err := sink.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return sink.Disconnect()
}

func openLink(ctx context.Context, opts options) (transport.Transport, error) {
	switch opts.link {
	case "usb":
		if err := transport.Devices.Init(); err != nil {
			return nil, err
		}
		return transport.OpenUSB(slog.Default())
	case "quic":
		return transport.ListenQUIC(ctx, opts.listenAddr, slog.Default())
	}
	return nil, fmt.Errorf("unknown link type %q", opts.link)
}
