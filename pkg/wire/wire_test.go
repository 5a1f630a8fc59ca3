package wire

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/Robogera/braggstream/pkg/frame"
)

func testFrame(t *testing.T) *frame.Frame {
	t.Helper()
	pix := make([]uint16, 12)
	for i := range pix {
		pix[i] = uint16(i * 1000)
	}
	f, err := frame.New(42, 3, 4, pix)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestFromFrame(t *testing.T) {
	f := testFrame(t)
	r := FromFrame(f, time.Now())
	if r.UniqueID != 42 || r.Rows() != 3 || r.Cols() != 4 {
		t.Fatalf("Bad record header: %+v", r)
	}
	if r.Codec.Name != CODEC_NAME || r.Codec.Parameters != CODEC_PARAMETERS || r.Descriptor != DESCRIPTOR {
		t.Fatalf("Bad codec/descriptor: %+v %q", r.Codec, r.Descriptor)
	}
	want := Dimension{Size: 3, Offset: 0, FullSize: 3, Binning: 1, Reverse: false}
	if r.Dimension[0] != want {
		t.Fatalf("Expected %+v, got %+v", want, r.Dimension[0])
	}
}

func TestEncodeDecode(t *testing.T) {
	r := FromFrame(testFrame(t), time.Unix(1700000000, 0))
	data, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %s", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %s", err)
	}
	if got.UniqueID != r.UniqueID || !slices.Equal(got.Value, r.Value) || !got.TimeStamp.Equal(r.TimeStamp) {
		t.Fatalf("Round trip mismatch:\n%+v\n%+v", r, got)
	}
	if !slices.Equal(got.Dimension, r.Dimension) || got.Codec != r.Codec {
		t.Fatalf("Structure mismatch:\n%+v\n%+v", r.Structure(), got.Structure())
	}
}

func TestFrameIsDeepCopy(t *testing.T) {
	r := FromFrame(testFrame(t), time.Now())
	f, err := r.Frame()
	if err != nil {
		t.Fatalf("Frame: %s", err)
	}
	r.Value[0] = 65535
	if f.Pix[0] != 0 {
		t.Fatal("Received frame shares the record buffer")
	}
	if f.ID != 42 || f.Rows != 3 || f.Cols != 4 {
		t.Fatalf("Bad frame header: %d %dx%d", f.ID, f.Rows, f.Cols)
	}
}

func TestMalformed(t *testing.T) {
	r := FromFrame(testFrame(t), time.Now())
	r.Value = r.Value[:5]
	if _, err := r.Frame(); !errors.Is(err, ERR_MALFORMED) {
		t.Fatalf("Expected ERR_MALFORMED, got %v", err)
	}
	r.Dimension = r.Dimension[:1]
	if _, err := r.Frame(); !errors.Is(err, ERR_MALFORMED) {
		t.Fatalf("Expected ERR_MALFORMED, got %v", err)
	}
	data, _ := Encode(FromFrame(testFrame(t), time.Now()))
	if _, err := Decode(data[:len(data)/2]); !errors.Is(err, ERR_MALFORMED) {
		t.Fatalf("Expected ERR_MALFORMED, got %v", err)
	}
}

func TestStructure(t *testing.T) {
	r := FromFrame(testFrame(t), time.Now())
	data, err := EncodeStructure(r.Structure())
	if err != nil {
		t.Fatalf("EncodeStructure: %s", err)
	}
	s, err := DecodeStructure(data)
	if err != nil {
		t.Fatalf("DecodeStructure: %s", err)
	}
	if s.Descriptor != DESCRIPTOR || len(s.Dimension) != 2 || s.Dimension[1].Size != 4 {
		t.Fatalf("Bad structure: %+v", s)
	}
}
