// daqsim replays a directory of detector frames onto a channel at the
// detector's acquisition rate.
package main

import (
	// stdlib
	"context"
	"errors"
	"fmt"
	"os"

	// internal
	"github.com/Robogera/braggstream/pkg/channel/backend"
	"github.com/Robogera/braggstream/pkg/config"
	"github.com/Robogera/braggstream/pkg/fifo"
	"github.com/Robogera/braggstream/pkg/framestore"
	"github.com/Robogera/braggstream/pkg/logging"
	"github.com/Robogera/braggstream/pkg/producer"

	// external
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRootCmd() *cobra.Command {
	var cfg_path string
	cmd := &cobra.Command{
		Use:          "daqsim <frames-path>",
		Short:        "Stream detector frames onto a channel",
		Long:         fmt.Sprintf("daqsim publishes every frame found at <frames-path> at %d Hz.\nThe path is a 16 bit grayscale image or a directory of them.", producer.DAQ_FREQUENCY_HZ),
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg_path, args[0])
		},
	}
	cmd.Flags().StringVar(&cfg_path, "config", "", "Path to config file, defaults apply when empty")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg_path, frames_path string) error {
	cfg, err := config.Unmarshal(cfg_path)
	if err != nil {
		return err
	}

	logger, close_log, err := logging.New(&cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	defer close_log()

	logger.Info("Starting...", "frames", frames_path, "transport", cfg.Transport.Kind, "channel", cfg.Transport.Channel)

	store, err := framestore.Load(frames_path)
	if err != nil {
		logger.Error("Frames not loaded. Shutting down...", "path", frames_path, "error", err)
		return err
	}
	logger.Info("Frames loaded", "count", store.Len(), "rows", store.Rows(), "cols", store.Cols())

	ch, err := backend.Publisher(ctx, logger, &cfg.Transport)
	if err != nil {
		logger.Error("Transport not available. Shutting down...", "error", err)
		return err
	}
	defer ch.Close()

	queue := fifo.New[producer.Tick](0)
	daq, err := producer.NewProducer(logger, producer.DAQ_FREQUENCY_HZ, queue)
	if err != nil {
		return err
	}
	publisher := producer.NewPublisher(logger, store, queue, ch, cfg.Transport.Channel)

	eg, child_ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return publisher.Run(child_ctx)
	})

	eg.Go(func() error {
		err := daq.Run(child_ctx, store.Len())
		queue.Close()
		if err != nil {
			return err
		}
		// stops control
		return ERR_FINISHED
	})

	eg.Go(func() error {
		return control(child_ctx, logger)
	})

	err = eg.Wait()
	logger.Info("Stopped", "registers", publisher.Registers(), "updates", publisher.Updates(), "reason", err)
	if errors.Is(err, ERR_FINISHED) || errors.Is(err, ERR_INTERRUPTED_BY_USER) {
		return nil
	}
	return err
}
