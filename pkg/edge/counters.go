package edge

import (
	"sync/atomic"
)

// Counters is the progress state shared by the subscriber, the analysis
// workers and the stats reporter. All fields are safe for concurrent use.
type Counters struct {
	Received   atomic.Uint64
	Processed  atomic.Uint64
	Failed     atomic.Uint64
	Duplicates atomic.Uint64
	Gaps       atomic.Uint64

	base     atomic.Uint64
	base_set atomic.Bool
}

// SetBase records id as the first sequence id seen. Only the first call wins.
func (c *Counters) SetBase(id uint64) bool {
	if !c.base_set.CompareAndSwap(false, true) {
		return false
	}
	c.base.Store(id)
	return true
}

func (c *Counters) BaseSequenceID() (uint64, bool) {
	if !c.base_set.Load() {
		return 0, false
	}
	return c.base.Load(), true
}

// Expected is how many frames should have arrived by the time id does,
// assuming nothing was lost or reordered.
func (c *Counters) Expected(id uint64) int64 {
	base, _ := c.BaseSequenceID()
	return int64(id) - int64(base) + 1
}
