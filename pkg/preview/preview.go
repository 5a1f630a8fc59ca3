// Package preview serves analysed frames with their peaks marked as an
// MJPEG stream.
package preview

import (
	// stdlib
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"net/http"
	"time"

	// internal
	"github.com/Robogera/braggstream/pkg/analysis"
	"github.com/Robogera/braggstream/pkg/config"
	"github.com/Robogera/braggstream/pkg/frame"

	// external
	"github.com/hybridgroup/mjpeg"
	"github.com/muesli/gamut"
	"gocv.io/x/gocv"
)

const (
	marker_radius = 4
	palette_size  = 6
)

type Marked struct {
	Frame  *frame.Frame
	Result analysis.Result
}

// Sink hands results to the preview without ever blocking a worker,
// frames arriving while the renderer is busy are dropped.
func Sink(out chan<- Marked) analysis.Sink {
	return func(f *frame.Frame, r analysis.Result) {
		select {
		case out <- Marked{Frame: f, Result: r}:
		default:
		}
	}
}

var palette = func() []color.RGBA {
	colors := make([]color.RGBA, palette_size)
	var c color.Color = color.RGBA{255, 0, 0, 255}
	for i := range colors {
		r, g, b, _ := c.RGBA()
		colors[i] = color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), 255}
		c = gamut.HueOffset(c, 360/palette_size)
	}
	return colors
}()

// Render draws the peaks of m over its frame, stretched to 8 bit, and
// encodes the result as JPEG. w and h resize the output when both are set.
func Render(m Marked, w, h uint) ([]byte, error) {
	f := m.Frame
	buf := make([]byte, len(f.Pix)*2)
	for i, v := range f.Pix {
		binary.NativeEndian.PutUint16(buf[2*i:], v)
	}
	raw, err := gocv.NewMatFromBytes(f.Rows, f.Cols, gocv.MatTypeCV16UC1, buf)
	if err != nil {
		return nil, fmt.Errorf("Can't wrap frame %d error: %w", f.ID, err)
	}
	defer raw.Close()

	stretched := gocv.NewMat()
	defer stretched.Close()
	gocv.Normalize(raw, &stretched, 0, 255, gocv.NormMinMax)
	gray := gocv.NewMat()
	defer gray.Close()
	stretched.ConvertTo(&gray, gocv.MatTypeCV8U)

	img := gocv.NewMat()
	defer img.Close()
	gocv.CvtColor(gray, &img, gocv.ColorGrayToBGR)

	for i, loc := range m.Result.Locations {
		gocv.Circle(&img, image.Pt(int(loc.Col+0.5), int(loc.Row+0.5)), marker_radius, palette[i%len(palette)], 1)
	}
	if w != 0 && h != 0 {
		gocv.Resize(img, &img, image.Pt(int(w), int(h)), 0, 0, gocv.InterpolationLinear)
	}

	jpeg, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("Can't encode frame %d error: %w", f.ID, err)
	}
	defer jpeg.Close()
	data := make([]byte, jpeg.Len())
	copy(data, jpeg.GetBytes())
	return data, nil
}

// Run serves the stream on cfg.Port until ctx is done.
func Run(
	ctx context.Context,
	parent_logger *slog.Logger,
	cfg *config.PreviewConfig,
	in_chan <-chan Marked,
) error {
	logger := parent_logger.With("coroutine", "preview")

	output_stream := mjpeg.NewStream()
	mux := http.NewServeMux()
	mux.Handle("/", output_stream)

	server := &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
	}

	err_chan := make(chan error, 1)
	go func() {
		err_chan <- server.ListenAndServe()
	}()
	defer func() {
		shutdown_context, cancel := context.WithTimeout(
			context.Background(),
			time.Second*time.Duration(cfg.ShutdownTimeoutSec))
		defer cancel()
		shutdown_initiated_timestamp := time.Now()
		err := server.Shutdown(shutdown_context)
		logger.Info(
			"Shut down",
			"shutdown time (sec)", time.Since(shutdown_initiated_timestamp).Seconds(),
			"error", err)
	}()

	logger.Info("Started", "port", cfg.Port)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Cancelled by context", "timeout (sec)", cfg.ShutdownTimeoutSec)
			return context.Canceled
		case err := <-err_chan:
			logger.Error("Error", "port", cfg.Port, "error", err)
			return err
		case m := <-in_chan:
			data, err := Render(m, cfg.W, cfg.H)
			if err != nil {
				logger.Warn("Can't render frame", "frame", m.Frame.ID, "error", err)
				continue
			}
			output_stream.UpdateJPEG(data)
		}
	}
}
