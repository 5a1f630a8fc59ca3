// Package wire defines the record published for every frame and its
// msgpack encoding.
package wire

import (
	// stdlib
	"errors"
	"fmt"
	"slices"
	"time"

	// internal
	"github.com/Robogera/braggstream/pkg/frame"

	// external
	"github.com/vmihailenco/msgpack/v5"
)

const (
	CODEC_NAME       = "pvapyc"
	CODEC_PARAMETERS = 14
	DESCRIPTOR       = "PvaPy Simulated Image"
)

var (
	ERR_MALFORMED = errors.New("Malformed record")
)

type Dimension struct {
	Size     int32 `msgpack:"size"`
	Offset   int32 `msgpack:"offset"`
	FullSize int32 `msgpack:"fullSize"`
	Binning  int32 `msgpack:"binning"`
	Reverse  bool  `msgpack:"reverse"`
}

type Codec struct {
	Name       string `msgpack:"name"`
	Parameters int32  `msgpack:"parameters"`
}

// Structure is the part of a record that stays fixed for the lifetime of a
// channel. It is what a channel allocates on register.
type Structure struct {
	Dimension  []Dimension `msgpack:"dimension"`
	Codec      Codec       `msgpack:"codec"`
	Descriptor string      `msgpack:"descriptor"`
}

type Record struct {
	UniqueID   uint64      `msgpack:"uniqueId"`
	Dimension  []Dimension `msgpack:"dimension"`
	Codec      Codec       `msgpack:"codec"`
	Descriptor string      `msgpack:"descriptor"`
	TimeStamp  time.Time   `msgpack:"timeStamp"`
	Value      []uint16    `msgpack:"ushortValue"`
}

func dimension(size int) Dimension {
	return Dimension{Size: int32(size), Offset: 0, FullSize: int32(size), Binning: 1, Reverse: false}
}

// FromFrame builds a fresh record for f. The pixel slice is shared with the
// frame, which is fine as long as the frame stays immutable.
func FromFrame(f *frame.Frame, t time.Time) *Record {
	return &Record{
		UniqueID:   f.ID,
		Dimension:  []Dimension{dimension(f.Rows), dimension(f.Cols)},
		Codec:      Codec{Name: CODEC_NAME, Parameters: CODEC_PARAMETERS},
		Descriptor: DESCRIPTOR,
		TimeStamp:  t,
		Value:      f.Pix,
	}
}

func (r *Record) Structure() Structure {
	return Structure{
		Dimension:  slices.Clone(r.Dimension),
		Codec:      r.Codec,
		Descriptor: r.Descriptor,
	}
}

func (r *Record) Rows() int {
	if len(r.Dimension) < 1 {
		return 0
	}
	return int(r.Dimension[0].Size)
}

func (r *Record) Cols() int {
	if len(r.Dimension) < 2 {
		return 0
	}
	return int(r.Dimension[1].Size)
}

// Frame decodes the record into a frame with its own copy of the pixels,
// transports are free to reuse the record's buffers afterwards.
func (r *Record) Frame() (*frame.Frame, error) {
	if len(r.Dimension) != 2 {
		return nil, fmt.Errorf("record %d has %d dimensions: %w", r.UniqueID, len(r.Dimension), ERR_MALFORMED)
	}
	f, err := frame.New(r.UniqueID, r.Rows(), r.Cols(), slices.Clone(r.Value))
	if err != nil {
		return nil, fmt.Errorf("record %d: %w: %w", r.UniqueID, ERR_MALFORMED, err)
	}
	return f, nil
}

func Encode(r *Record) ([]byte, error) {
	return msgpack.Marshal(r)
}

func Decode(data []byte) (*Record, error) {
	r := new(Record)
	if err := msgpack.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("%w: %w", ERR_MALFORMED, err)
	}
	return r, nil
}

func EncodeStructure(s Structure) ([]byte, error) {
	return msgpack.Marshal(&s)
}

func DecodeStructure(data []byte) (Structure, error) {
	var s Structure
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %w", ERR_MALFORMED, err)
	}
	return s, nil
}
