// Package frame holds detector frames and the read-only store they are
// replayed from.
package frame

import (
	"errors"
	"fmt"
)

var (
	ERR_DIMENSIONS   = errors.New("Pixel count does not match dimensions")
	ERR_NOT_UNIFORM  = errors.New("Frames differ in dimensions")
	ERR_EMPTY_STORE  = errors.New("No frames")
	ERR_OUT_OF_RANGE = errors.New("Frame index out of range")
)

// Frame is one row-major image of unsigned 16 bit samples.
// Frames handed out by a Store are shared and must not be modified.
type Frame struct {
	ID   uint64
	Rows int
	Cols int
	Pix  []uint16
}

func New(id uint64, rows, cols int, pix []uint16) (*Frame, error) {
	if rows <= 0 || cols <= 0 || len(pix) != rows*cols {
		return nil, fmt.Errorf("%dx%d with %d pixels: %w", rows, cols, len(pix), ERR_DIMENSIONS)
	}
	return &Frame{ID: id, Rows: rows, Cols: cols, Pix: pix}, nil
}

func (f *Frame) At(r, c int) uint16 {
	return f.Pix[r*f.Cols+c]
}

// Store is an ordered, index addressable sequence of equally sized frames,
// loaded once and never mutated afterwards.
type Store struct {
	frames     []*Frame
	rows, cols int
}

// NewStore takes ownership of frames and renumbers them 0..len-1.
func NewStore(frames []*Frame) (*Store, error) {
	if len(frames) == 0 {
		return nil, ERR_EMPTY_STORE
	}
	rows, cols := frames[0].Rows, frames[0].Cols
	for ind, f := range frames {
		if f.Rows != rows || f.Cols != cols {
			return nil, fmt.Errorf("frame %d is %dx%d, expected %dx%d: %w",
				ind, f.Rows, f.Cols, rows, cols, ERR_NOT_UNIFORM)
		}
		if len(f.Pix) != rows*cols {
			return nil, fmt.Errorf("frame %d: %w", ind, ERR_DIMENSIONS)
		}
		f.ID = uint64(ind)
	}
	return &Store{frames: frames, rows: rows, cols: cols}, nil
}

func (s *Store) Len() int  { return len(s.frames) }
func (s *Store) Rows() int { return s.rows }
func (s *Store) Cols() int { return s.cols }

func (s *Store) At(id uint64) (*Frame, error) {
	if id >= uint64(len(s.frames)) {
		return nil, fmt.Errorf("frame %d of %d: %w", id, len(s.frames), ERR_OUT_OF_RANGE)
	}
	return s.frames[id], nil
}
