package indexed

import "time"

// Value tagged with a sequence id and the moment it entered the pipeline
type Indexed[T any] struct {
	id    uint64
	t     time.Time
	value T
}

func NewIndexed[T any](id uint64, t time.Time, value T) Indexed[T] {
	return Indexed[T]{id, t, value}
}

func (i Indexed[T]) Id() uint64      { return i.id }
func (i Indexed[T]) Time() time.Time { return i.t }
func (i Indexed[T]) Value() T        { return i.value }

// Time elapsed between the tag and now
func (i Indexed[T]) Age(now time.Time) time.Duration { return now.Sub(i.t) }
