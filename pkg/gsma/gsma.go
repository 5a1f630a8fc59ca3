package gsma

import (
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"
)

var (
	ERR_VALUE = errors.New("Bad value")
)

type Number interface {
	constraints.Float | constraints.Integer
}

// Simple moving average over the last capacity values
type SMA[T Number] struct {
	data         []T
	buffer_index int
	average      float64
}

func NewSMA[T Number](capacity uint) (*SMA[T], error) {
	if capacity < 3 {
		return nil, fmt.Errorf("Invalid capacity: %d. Error: %w", capacity, ERR_VALUE)
	}
	return &SMA[T]{
		data:         make([]T, 0, capacity),
		buffer_index: 0,
		average:      0,
	}, nil
}

func (s *SMA[T]) Recalc(new_value T) float64 {
	l, c := len(s.data), cap(s.data)
	if l < c {
		s.average = s.average + (float64(new_value)-s.average)/float64(l+1)
		s.data = append(s.data, new_value)
	} else {
		oldest_value := s.data[s.buffer_index]
		s.average = s.average + (float64(new_value)-float64(oldest_value))/float64(c)
		s.data[s.buffer_index] = new_value
		s.buffer_index++
		if s.buffer_index >= c {
			s.buffer_index = 0
		}
	}
	return s.average
}

func (s *SMA[T]) Show() float64 {
	return s.average
}

func (s *SMA[T]) Len() int {
	return len(s.data)
}
