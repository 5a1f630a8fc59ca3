// Package stats periodically logs edge throughput and sequence health.
package stats

import (
	// stdlib
	"context"
	"fmt"
	"log/slog"
	"time"

	// internal
	"github.com/Robogera/braggstream/pkg/edge"
	"github.com/Robogera/braggstream/pkg/gsma"
)

// Samples kept for the moving average of analysis times
const SMA_WINDOW = 32

type Snapshot struct {
	Processed       uint64
	FramesPerSecond float64
	AnalysisMsSMA   float64
	Queued          int
	Received        uint64
	Failed          uint64
	Duplicates      uint64
	Gaps            uint64
}

type Reporter struct {
	logger   *slog.Logger
	counters *edge.Counters
	queued   func() int
	period   time.Duration
	sma      *gsma.SMA[float64]

	last_processed uint64
}

// NewReporter reads the counters every period. queued reports how many
// frames wait for analysis.
func NewReporter(
	parent_logger *slog.Logger,
	counters *edge.Counters,
	queued func() int,
	period time.Duration,
) (*Reporter, error) {
	if period <= 0 {
		return nil, fmt.Errorf("Invalid stat period %s", period)
	}
	sma, err := gsma.NewSMA[float64](SMA_WINDOW)
	if err != nil {
		return nil, err
	}
	return &Reporter{
		logger:   parent_logger.With("coroutine", "stat"),
		counters: counters,
		queued:   queued,
		period:   period,
		sma:      sma,
	}, nil
}

func (r *Reporter) snapshot(elapsed time.Duration) Snapshot {
	processed := r.counters.Processed.Load()
	s := Snapshot{
		Processed:     processed,
		AnalysisMsSMA: r.sma.Show(),
		Queued:        r.queued(),
		Received:      r.counters.Received.Load(),
		Failed:        r.counters.Failed.Load(),
		Duplicates:    r.counters.Duplicates.Load(),
		Gaps:          r.counters.Gaps.Load(),
	}
	if elapsed > 0 {
		s.FramesPerSecond = float64(processed-r.last_processed) / elapsed.Seconds()
	}
	r.last_processed = processed
	return s
}

// Run consumes analysis times from in_chan until ctx is done.
func (r *Reporter) Run(ctx context.Context, in_chan <-chan time.Duration) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	last_tick := time.Now()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Cancelled by context")
			return context.Canceled
		case elapsed := <-in_chan:
			r.sma.Recalc(float64(elapsed.Microseconds()) / 1000)
		case now := <-ticker.C:
			s := r.snapshot(now.Sub(last_tick))
			last_tick = now
			r.logger.Info("Stats",
				"frames processed", s.Processed,
				"frames per second", s.FramesPerSecond,
				"analysis ms (sma)", s.AnalysisMsSMA,
				"queued", s.Queued,
				"received", s.Received,
				"failed", s.Failed,
				"duplicates", s.Duplicates,
				"gaps", s.Gaps)
		}
	}
}
