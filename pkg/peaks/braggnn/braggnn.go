// Package braggnn refines peak patches with a BraggNN regression network
// exported to ONNX and run through the OpenCV dnn module.
package braggnn

import (
	// stdlib
	"errors"
	"fmt"
	"log/slog"
	"sync"

	// internal
	"github.com/Robogera/braggstream/pkg/config"
	"github.com/Robogera/braggstream/pkg/frame"
	"github.com/Robogera/braggstream/pkg/peaks"

	// external
	"gocv.io/x/gocv"
)

var (
	ERR_BAD_MODEL        = errors.New("Can't load model")
	ERR_BAD_LAYER        = errors.New("Output layer not found")
	ERR_CANT_SET_BACKEND = errors.New("Can't set backend")
	ERR_CANT_SET_TARGET  = errors.New("Can't set target")
	ERR_BAD_OUTPUT       = errors.New("Unexpected network output")
)

// Net is a peaks.Analyzer. The underlying gocv.Net is not goroutine safe so
// inference is serialised, patch extraction runs concurrently.
type Net struct {
	mu        sync.Mutex
	net       gocv.Net
	output    string
	opts      peaks.Options
	max_batch int
}

func backendTarget(device string) (gocv.NetBackendType, gocv.NetTargetType) {
	switch config.DeviceType(device) {
	case config.DeviceTypeGPU:
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA
	case config.DeviceTypeVPU:
		return gocv.NetBackendOpenVINO, gocv.NetTargetVPU
	default:
		return gocv.NetBackendDefault, gocv.NetTargetCPU
	}
}

func outputLayerNames(net *gocv.Net) []string {
	var names []string
	for _, i := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(i)
		if name := layer.GetName(); name != "_input" {
			names = append(names, name)
		}
	}
	return names
}

func Load(logger *slog.Logger, cfg *config.AnalyzerConfig) (*Net, error) {
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("%s: %w", cfg.ModelPath, ERR_BAD_MODEL)
	}

	names := outputLayerNames(&net)
	output := cfg.OutputLayerName
	switch {
	case output == "" && len(names) > 0:
		output = names[0]
	case output == "" || !contains(names, output):
		net.Close()
		return nil, fmt.Errorf("%q not in %v: %w", output, names, ERR_BAD_LAYER)
	}
	logger.Debug("Model info", "model", cfg.ModelPath, "output layers", names, "using", output)

	backend, target := backendTarget(cfg.Device)
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, fmt.Errorf("%s: %w: %w", cfg.Device, ERR_CANT_SET_BACKEND, err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, fmt.Errorf("%s: %w: %w", cfg.Device, ERR_CANT_SET_TARGET, err)
	}

	return &Net{
		net:    net,
		output: output,
		opts: peaks.Options{
			Threshold: cfg.Threshold,
			MinPixels: int(cfg.MinPixels),
		},
		max_batch: max(int(cfg.MaxBatch), 1),
	}, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (n *Net) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.net.Close()
}

func (n *Net) Analyze(f *frame.Frame, patch_size int) ([]peaks.Location, int, error) {
	patches, oversized, err := peaks.ExtractPatches(f, patch_size, n.opts)
	if err != nil {
		return nil, 0, err
	}
	locations := make([]peaks.Location, 0, len(patches))
	for start := 0; start < len(patches); start += n.max_batch {
		batch := patches[start:min(start+n.max_batch, len(patches))]
		preds, err := n.infer(batch, patch_size)
		if err != nil {
			return nil, oversized, fmt.Errorf("frame %d: %w", f.ID, err)
		}
		for i, p := range batch {
			locations = append(locations, peaks.Location{
				Row: preds[2*i]*float64(patch_size) + float64(p.Row),
				Col: preds[2*i+1]*float64(patch_size) + float64(p.Col),
			})
		}
	}
	return locations, oversized, nil
}

// infer returns the flattened Nx2 prediction, each value a fraction of the
// patch size.
func (n *Net) infer(batch []peaks.Patch, patch_size int) ([]float64, error) {
	blob := gocv.NewMatWithSizes([]int{len(batch), 1, patch_size, patch_size}, gocv.MatTypeCV32F)
	defer blob.Close()
	data, err := blob.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	for i, p := range batch {
		offset := i * patch_size * patch_size
		for j, v := range p.Pix {
			data[offset+j] = float32(v)
		}
	}

	n.mu.Lock()
	n.net.SetInput(blob, "")
	output := n.net.Forward(n.output)
	n.mu.Unlock()
	defer output.Close()

	if output.Total() != 2*len(batch) {
		return nil, fmt.Errorf("%d values for %d patches: %w", output.Total(), len(batch), ERR_BAD_OUTPUT)
	}
	flat, err := output.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	preds := make([]float64, len(flat))
	for i, v := range flat {
		preds[i] = float64(v)
	}
	return preds, nil
}
