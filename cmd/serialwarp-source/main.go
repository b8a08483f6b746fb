// serialwarp-source captures (or synthesizes) a display stream, encodes it,
// and ships it to a sink over the USB link or the QUIC dev link.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/serialwarp/media"
	"github.com/zsiec/serialwarp/pipeline"
	"github.com/zsiec/serialwarp/transport"
)

var version = "dev"

type options struct {
	width       uint32
	height      uint32
	fps         uint32
	bitrateMbps uint32
	hidpi       bool
	link        string
	connectAddr string
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := options{}
	cmd := &cobra.Command{
		Use:     "serialwarp-source",
		Short:   "Capture and send video to a SerialWarp sink",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().Uint32Var(&opts.width, "width", 1920, "display width")
	cmd.Flags().Uint32Var(&opts.height, "height", 1080, "display height")
	cmd.Flags().Uint32Var(&opts.fps, "fps", 60, "frames per second")
	cmd.Flags().Uint32Var(&opts.bitrateMbps, "bitrate-mbps", 20, "target bitrate in Mbps")
	cmd.Flags().BoolVar(&opts.hidpi, "hidpi", false, "enable HiDPI mode")
	cmd.Flags().StringVar(&opts.link, "link", "usb", "link type: usb or quic")
	cmd.Flags().StringVar(&opts.connectAddr, "connect", "127.0.0.1:7246", "sink address for the quic link")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		slog.Error("source failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	tr, err := openLink(ctx, opts)
	if err != nil {
		return err
	}
	defer tr.Close()

	// The synthetic source stands in for the OS capture and hardware
	// encoder glue, which live outside this repository.
	synth := media.NewSyntheticSource(media.SyntheticConfig{
		Width:  opts.width,
		Height: opts.height,
		FPS:    opts.fps,
	})

	src := pipeline.NewSource(tr, synth, synth, pipeline.SourceConfig{
		SoftwareVersion: 1,
		MaxWidth:        opts.width,
		MaxHeight:       opts.height,
		MaxFPS:          opts.fps,
		HiDPI:           opts.hidpi,
	}, slog.Default())

	src.OnStats(func(s pipeline.StatsSnapshot) {
		slog.Info("stats", "fps", fmt.Sprintf("%.1f", s.CurrentFPS),
			"mbps", fmt.Sprintf("%.2f", s.CurrentBitrateBps/1e6),
			"sent", s.FramesSent, "dropped", s.FramesDropped,
			"latencyUs", s.LatencyMicros)
	})
	src.OnError(func(err error) {
		slog.Warn("pipeline error", "error", err)
	})

	if err := src.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := src.StartStreaming(ctx, pipeline.StreamConfig{
		Width:      opts.width,
		Height:     opts.height,
		FPS:        opts.fps,
		BitrateBps: opts.bitrateMbps * 1_000_000,
		HiDPI:      opts.hidpi,
	}); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := src.StopStreaming(stopCtx); err != nil {
		slog.Warn("stop streaming", "error", err)
	}
	return src.Disconnect()
}

func openLink(ctx context.Context, opts options) (transport.Transport, error) {
	switch opts.link {
	case "usb":
		if err := transport.Devices.Init(); err != nil {
			return nil, err
		}
		return transport.OpenUSB(slog.Default())
	case "quic":
		return transport.DialQUIC(ctx, opts.connectAddr, slog.Default())
	}
	return nil, fmt.Errorf("unknown link type %q", opts.link)
}
