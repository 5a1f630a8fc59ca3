package gring

import (
	"iter"
)

// Fixed size ring, the oldest element is overwritten when full
type Ring[T comparable] struct {
	l   int
	s   []T
	pos int
}

func NewRing[T comparable](l uint) *Ring[T] {
	return &Ring[T]{
		l:   0,
		s:   make([]T, max(l, 1)),
		pos: 0,
	}
}

func (r *Ring[T]) Push(e T) {
	r.s[r.pos] = e
	r.pos++
	if r.pos >= len(r.s) {
		r.pos = 0
	}
	if r.l < len(r.s) {
		r.l++
	}
}

// Newest first
func (r *Ring[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := range r.l {
			real_pos := r.pos - 1 - i
			if real_pos < 0 {
				real_pos = len(r.s) + real_pos
			}
			if !yield(r.s[real_pos]) {
				return
			}
		}
	}
}

func (r *Ring[T]) Newest() (T, bool) {
	for e := range r.All() {
		return e, true
	}
	var zero T
	return zero, false
}

func (r *Ring[T]) Contains(e T) bool {
	for v := range r.All() {
		if v == e {
			return true
		}
	}
	return false
}
