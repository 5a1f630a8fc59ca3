// edge subscribes to a frame channel and locates Bragg peaks in every frame
// it receives.
package main

import (
	// stdlib
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	// internal
	"github.com/Robogera/braggstream/pkg/analysis"
	"github.com/Robogera/braggstream/pkg/channel/backend"
	"github.com/Robogera/braggstream/pkg/config"
	"github.com/Robogera/braggstream/pkg/edge"
	"github.com/Robogera/braggstream/pkg/fifo"
	"github.com/Robogera/braggstream/pkg/logging"
	"github.com/Robogera/braggstream/pkg/peaks"
	"github.com/Robogera/braggstream/pkg/peaks/braggnn"
	"github.com/Robogera/braggstream/pkg/preview"
	"github.com/Robogera/braggstream/pkg/rpath"
	"github.com/Robogera/braggstream/pkg/stats"

	// external
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	default_log_file = "edgeBragg.log"
)

type options struct {
	cfg_path string
	gpus     string
	ch       string
	nth      uint
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "edge",
		Short:        "Edge pipeline for Bragg peak finding",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Unmarshal(opts.cfg_path)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ch") || cfg.Transport.Channel == "" {
				cfg.Transport.Channel = opts.ch
			}
			if cmd.Flags().Changed("nth") {
				cfg.Edge.Workers = max(opts.nth, 1)
			}
			if cfg.Logging.File == "" {
				cfg.Logging.File = default_log_file
			}
			if opts.gpus != "" {
				os.Setenv("CUDA_VISIBLE_DEVICES", opts.gpus)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&opts.gpus, "gpus", "0", "List of visible GPUs")
	cmd.Flags().StringVar(&opts.ch, "ch", config.DefaultChannel, "Channel name")
	cmd.Flags().UintVar(&opts.nth, "nth", 1, "Number of analysis workers")
	cmd.Flags().StringVar(&opts.cfg_path, "config", "", "Path to config file, defaults apply when empty")
	cmd.AddCommand(newDefaultConfigCmd())
	return cmd
}

func newDefaultConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default-config <file>",
		Short: "Write the default configuration to <file>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefault(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default config written to %s\n", args[0])
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newAnalyzer(logger *slog.Logger, cfg *config.AnalyzerConfig) (peaks.Analyzer, func() error, error) {
	switch config.AnalyzerKind(cfg.Kind) {
	case config.AnalyzerKindCentroid:
		return peaks.NewCentroid(peaks.Options{
			Threshold: cfg.Threshold,
			MinPixels: int(cfg.MinPixels),
		}), func() error { return nil }, nil
	case config.AnalyzerKindONNX:
		exe_dir, err := rpath.ExecutableDir()
		if err != nil {
			return nil, nil, err
		}
		rpath.ConvertAll(exe_dir, &cfg.ModelPath)
		net, err := braggnn.Load(logger, cfg)
		if err != nil {
			return nil, nil, err
		}
		return net, net.Close, nil
	default:
		return nil, nil, fmt.Errorf("%q: %w", cfg.Kind, ERR_BAD_ANALYZER)
	}
}

func run(ctx context.Context, cfg *config.ConfigFile) error {
	logger, close_log, err := logging.New(&cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	defer close_log()

	logger.Info("Starting...",
		"channel", cfg.Transport.Channel,
		"transport", cfg.Transport.Kind,
		"workers", cfg.Edge.Workers,
		"analyzer", cfg.Analyzer.Kind,
		"CUDA_VISIBLE_DEVICES", os.Getenv("CUDA_VISIBLE_DEVICES"))

	analyzer, close_analyzer, err := newAnalyzer(logger, &cfg.Analyzer)
	if err != nil {
		logger.Error("Analyzer not loaded. Shutting down...", "error", err)
		return err
	}
	defer close_analyzer()

	sub, close_sub, err := backend.Subscriber(ctx, logger, &cfg.Transport)
	if err != nil {
		logger.Error("Transport not available. Shutting down...", "error", err)
		return err
	}
	defer close_sub()

	counters := &edge.Counters{}
	queue := fifo.New[edge.Received](int(cfg.Edge.QueueLimit))
	subscriber := edge.NewSubscriber(logger, counters, queue, cfg.Edge.DedupWindow)

	stats_chan := make(chan time.Duration, 64)
	pool := analysis.NewPool(logger, queue, analyzer, counters, int(cfg.Analyzer.PatchSize), int(cfg.Edge.Workers)).
		WithStats(stats_chan)

	var preview_chan chan preview.Marked
	if cfg.Preview.Enabled {
		preview_chan = make(chan preview.Marked, 1)
		pool.WithSink(preview.Sink(preview_chan))
	}

	reporter, err := stats.NewReporter(logger, counters, queue.Len, time.Second*time.Duration(max(cfg.Logging.StatPeriodSec, 1)))
	if err != nil {
		return err
	}

	eg, child_ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return subscriber.Run(child_ctx, sub, cfg.Transport.Channel)
	})

	eg.Go(func() error {
		return pool.Run(child_ctx)
	})

	eg.Go(func() error {
		return reporter.Run(child_ctx, stats_chan)
	})

	if cfg.Preview.Enabled {
		eg.Go(func() error {
			return preview.Run(child_ctx, logger, &cfg.Preview, preview_chan)
		})
	}

	// zero session_sec keeps monitoring until interrupted
	if cfg.Edge.SessionSec > 0 {
		eg.Go(func() error {
			timer := time.NewTimer(time.Second * time.Duration(cfg.Edge.SessionSec))
			defer timer.Stop()
			select {
			case <-child_ctx.Done():
				return context.Canceled
			case <-timer.C:
				logger.Info("Session over", "sec", cfg.Edge.SessionSec)
				return ERR_SESSION_OVER
			}
		})
	}

	eg.Go(func() error {
		return control(child_ctx, logger)
	})

	err = eg.Wait()
	base, _ := counters.BaseSequenceID()
	logger.Info("Stopped",
		"reason", err,
		"received", counters.Received.Load(),
		"base", base,
		"processed", counters.Processed.Load(),
		"failed", counters.Failed.Load(),
		"duplicates", counters.Duplicates.Load(),
		"gaps", counters.Gaps.Load())
	if errors.Is(err, ERR_SESSION_OVER) || errors.Is(err, ERR_INTERRUPTED_BY_USER) {
		return nil
	}
	return err
}
