// Package peaks locates Bragg peaks in detector frames.
//
// Bright pixels are grouped into 8-connected components, every component
// small enough to fit a patch is cut out around its bounding box center and
// an Analyzer refines each patch into a sub-pixel location.
package peaks

import (
	// stdlib
	"errors"
	"fmt"

	// internal
	"github.com/Robogera/braggstream/pkg/frame"
)

var (
	ERR_PATCH_SIZE = errors.New("Bad patch size")
)

// Location of a peak in frame coordinates, in pixels
type Location struct {
	Row float64
	Col float64
}

// Analyzer turns a frame into peak locations. The second result is the
// number of peaks too big for a patch, which are left out of the locations.
// Implementations must be safe for concurrent use.
type Analyzer interface {
	Analyze(f *frame.Frame, patch_size int) ([]Location, int, error)
}

type Options struct {
	// Pixels strictly above Threshold belong to a peak
	Threshold uint16
	// Components with fewer pixels are treated as noise
	MinPixels int
}

// Patch is a square window of a frame, min-max normalised to [0, 1].
type Patch struct {
	Row  int
	Col  int
	Size int
	Pix  []float64
}

func (p *Patch) At(r, c int) float64 { return p.Pix[r*p.Size+c] }

type component struct {
	min_r, min_c int
	max_r, max_c int
	pixels       int
}

func label(f *frame.Frame, threshold uint16) []component {
	visited := make([]bool, len(f.Pix))
	var components []component
	var stack []int

	for start, v := range f.Pix {
		if visited[start] || v <= threshold {
			continue
		}
		visited[start] = true
		stack = append(stack[:0], start)
		c := component{min_r: f.Rows, min_c: f.Cols, max_r: -1, max_c: -1}

		for len(stack) > 0 {
			ind := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			r, col := ind/f.Cols, ind%f.Cols
			c.pixels++
			c.min_r, c.max_r = min(c.min_r, r), max(c.max_r, r)
			c.min_c, c.max_c = min(c.min_c, col), max(c.max_c, col)

			for dr := -1; dr <= 1; dr++ {
				for dc := -1; dc <= 1; dc++ {
					nr, nc := r+dr, col+dc
					if nr < 0 || nc < 0 || nr >= f.Rows || nc >= f.Cols {
						continue
					}
					n := nr*f.Cols + nc
					if visited[n] || f.Pix[n] <= threshold {
						continue
					}
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}
		components = append(components, c)
	}
	return components
}

func cut(f *frame.Frame, row, col, size int) Patch {
	p := Patch{Row: row, Col: col, Size: size, Pix: make([]float64, size*size)}
	lo, hi := f.At(row, col), f.At(row, col)
	for r := range size {
		for c := range size {
			v := f.At(row+r, col+c)
			lo, hi = min(lo, v), max(hi, v)
			p.Pix[r*size+c] = float64(v)
		}
	}
	if hi == lo {
		clear(p.Pix)
		return p
	}
	span := float64(hi - lo)
	for i := range p.Pix {
		p.Pix[i] = (p.Pix[i] - float64(lo)) / span
	}
	return p
}

// ExtractPatches cuts one patch per peak of f, in row-major order of the
// peaks' first pixel, and counts the peaks that do not fit. A frame smaller
// than a patch has no candidates.
func ExtractPatches(f *frame.Frame, patch_size int, opts Options) ([]Patch, int, error) {
	if patch_size < 1 {
		return nil, 0, fmt.Errorf("%d: %w", patch_size, ERR_PATCH_SIZE)
	}
	if f.Rows < patch_size || f.Cols < patch_size {
		return nil, 0, nil
	}

	var patches []Patch
	oversized := 0
	half := patch_size / 2
	for _, c := range label(f, opts.Threshold) {
		if c.pixels < opts.MinPixels {
			continue
		}
		if c.max_r-c.min_r+1 > patch_size || c.max_c-c.min_c+1 > patch_size {
			oversized++
			continue
		}
		center_r := (c.min_r + c.max_r) / 2
		center_c := (c.min_c + c.max_c) / 2
		row := min(max(center_r-half, 0), f.Rows-patch_size)
		col := min(max(center_c-half, 0), f.Cols-patch_size)
		patches = append(patches, cut(f, row, col, patch_size))
	}
	return patches, oversized, nil
}
