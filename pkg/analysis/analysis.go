// Package analysis runs the frame analyzer over received frames with a fixed
// number of workers.
package analysis

import (
	// stdlib
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// internal
	"github.com/Robogera/braggstream/pkg/edge"
	"github.com/Robogera/braggstream/pkg/fifo"
	"github.com/Robogera/braggstream/pkg/frame"
	"github.com/Robogera/braggstream/pkg/peaks"

	// external
	"golang.org/x/sync/errgroup"
)

var (
	ERR_ANALYZER_PANIC = errors.New("Analyzer panicked")
)

type Result struct {
	SequenceID uint64
	Locations  []peaks.Location
	Oversized  int
	Elapsed    time.Duration
}

// Sink gets every successful result together with its frame.
// It is called from the workers and must not block.
type Sink func(f *frame.Frame, r Result)

type Pool struct {
	logger     *slog.Logger
	queue      *fifo.Queue[edge.Received]
	analyzer   peaks.Analyzer
	counters   *edge.Counters
	patch_size int
	workers    int

	sink  Sink
	stats chan<- time.Duration
}

func NewPool(
	parent_logger *slog.Logger,
	queue *fifo.Queue[edge.Received],
	analyzer peaks.Analyzer,
	counters *edge.Counters,
	patch_size int,
	workers int,
) *Pool {
	return &Pool{
		logger:     parent_logger.With("coroutine", "analysis"),
		queue:      queue,
		analyzer:   analyzer,
		counters:   counters,
		patch_size: patch_size,
		workers:    max(workers, 1),
	}
}

func (p *Pool) WithSink(sink Sink) *Pool {
	p.sink = sink
	return p
}

// WithStats makes the workers report analysis times to stats, dropping
// them when nobody is listening.
func (p *Pool) WithStats(stats chan<- time.Duration) *Pool {
	p.stats = stats
	return p
}

// Run blocks until ctx is done or the queue is closed and drained.
func (p *Pool) Run(ctx context.Context) error {
	eg, child_ctx := errgroup.WithContext(ctx)
	for ind := range p.workers {
		eg.Go(func() error {
			return p.worker(child_ctx, p.logger.With("worker", ind))
		})
	}
	p.logger.Info("Started", "workers", p.workers, "patch size", p.patch_size)
	return eg.Wait()
}

func (p *Pool) worker(ctx context.Context, logger *slog.Logger) error {
	for {
		item, err := p.queue.PopBlocking(ctx)
		switch {
		case errors.Is(err, fifo.ERR_CLOSED):
			logger.Debug("Queue closed")
			return nil
		case err != nil:
			logger.Debug("Cancelled by context")
			return context.Canceled
		}

		if err := p.process(logger, item); err != nil {
			p.counters.Failed.Add(1)
			logger.Error("Analysis failed", "frame", item.Id(), "error", err)
		}
		p.queue.Done()
	}
}

func (p *Pool) process(logger *slog.Logger, item edge.Received) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ERR_ANALYZER_PANIC, r)
		}
	}()

	tick := time.Now()
	locations, oversized, err := p.analyzer.Analyze(item.Value(), p.patch_size)
	elapsed := time.Since(tick)
	if err != nil {
		return err
	}

	processed := p.counters.Processed.Add(1)
	logger.Info("Analyzed",
		"t", time.Now().Format(time.RFC3339Nano),
		"peaks", len(locations),
		"frame", item.Id(),
		"elapsed_ms", float64(elapsed.Microseconds())/1000,
		"oversized", oversized,
		"processed", processed)

	if p.stats != nil {
		select {
		case p.stats <- elapsed:
		default:
		}
	}
	if p.sink != nil {
		p.sink(item.Value(), Result{
			SequenceID: item.Id(),
			Locations:  locations,
			Oversized:  oversized,
			Elapsed:    elapsed,
		})
	}
	return nil
}
