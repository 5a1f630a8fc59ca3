package preview

import (
	"bytes"
	"testing"

	"github.com/Robogera/braggstream/pkg/analysis"
	"github.com/Robogera/braggstream/pkg/frame"
	"github.com/Robogera/braggstream/pkg/peaks"
)

func TestSinkDropsWhenBusy(t *testing.T) {
	out := make(chan Marked, 1)
	sink := Sink(out)
	f, _ := frame.New(0, 1, 1, []uint16{1})
	sink(f, analysis.Result{SequenceID: 0})
	sink(f, analysis.Result{SequenceID: 1})
	if len(out) != 1 {
		t.Fatalf("Expected one buffered result, got %d", len(out))
	}
	if m := <-out; m.Result.SequenceID != 0 {
		t.Fatalf("Expected the first result to be kept, got %d", m.Result.SequenceID)
	}
}

func TestPalette(t *testing.T) {
	if len(palette) != palette_size {
		t.Fatalf("Expected %d colors, got %d", palette_size, len(palette))
	}
	if palette[0] == palette[1] {
		t.Fatal("Hue offset produced identical colors")
	}
}

func TestRender(t *testing.T) {
	pix := make([]uint16, 32*32)
	for i := range pix {
		pix[i] = uint16(i * 40)
	}
	f, _ := frame.New(3, 32, 32, pix)
	m := Marked{Frame: f, Result: analysis.Result{
		SequenceID: 3,
		Locations:  []peaks.Location{{Row: 10, Col: 12}, {Row: 20.4, Col: 5.6}},
	}}

	for _, size := range [][2]uint{{0, 0}, {64, 48}} {
		data, err := Render(m, size[0], size[1])
		if err != nil {
			t.Fatalf("Render %v: %s", size, err)
		}
		if !bytes.HasPrefix(data, []byte{0xff, 0xd8}) {
			t.Fatalf("Output %v is not a JPEG", size)
		}
	}
}
