package peaks

import (
	// internal
	"github.com/Robogera/braggstream/pkg/frame"

	// external
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Centroid locates every peak at the intensity weighted center of its
// patch. It keeps no state between calls.
type Centroid struct {
	Options Options
}

func NewCentroid(opts Options) *Centroid {
	return &Centroid{Options: opts}
}

func (c *Centroid) Analyze(f *frame.Frame, patch_size int) ([]Location, int, error) {
	patches, oversized, err := ExtractPatches(f, patch_size, c.Options)
	if err != nil {
		return nil, 0, err
	}
	locations := make([]Location, len(patches))
	for i := range patches {
		r, col := WeightedCenter(&patches[i])
		locations[i] = Location{Row: float64(patches[i].Row) + r, Col: float64(patches[i].Col) + col}
	}
	return locations, oversized, nil
}

// WeightedCenter of a patch in patch coordinates. A flat patch yields its
// geometric center.
func WeightedCenter(p *Patch) (float64, float64) {
	if p.Size == 1 {
		return 0, 0
	}
	m := mat.NewDense(p.Size, p.Size, p.Pix)

	row_weights := make([]float64, p.Size)
	for r := range p.Size {
		row_weights[r] = floats.Sum(m.RawRowView(r))
	}
	col_weights := make([]float64, p.Size)
	col := make([]float64, p.Size)
	for c := range p.Size {
		col_weights[c] = floats.Sum(mat.Col(col, c, m))
	}

	total := floats.Sum(row_weights)
	if total == 0 {
		center := float64(p.Size-1) / 2
		return center, center
	}
	index := make([]float64, p.Size)
	floats.Span(index, 0, float64(p.Size-1))
	return floats.Dot(row_weights, index) / total, floats.Dot(col_weights, index) / total
}
