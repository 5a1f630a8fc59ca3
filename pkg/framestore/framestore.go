package framestore

import (
	// stdlib
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	// internal
	"github.com/Robogera/braggstream/pkg/frame"

	// external
	"gocv.io/x/gocv"
)

var (
	ERR_BAD_SOURCE = errors.New("Can't read frame source")
	ERR_BAD_IMAGE  = errors.New("Can't decode image")
	ERR_BAD_DEPTH  = errors.New("Image is not 16 bit single channel")
)

var extensions = []string{".png", ".tif", ".tiff"}

// Load reads a single image or every image in a directory (sorted by name)
// into a frame store. Images must be single channel 16 bit.
func Load(path string) (*frame.Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, ERR_BAD_SOURCE, err)
	}

	names := []string{path}
	if info.IsDir() {
		names, err = list(path)
		if err != nil {
			return nil, err
		}
	}

	frames := make([]*frame.Frame, 0, len(names))
	for ind, name := range names {
		f, err := read(uint64(ind), name)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}

	store, err := frame.NewStore(frames)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, ERR_BAD_SOURCE, err)
	}
	return store, nil
}

func list(dir_path string) ([]string, error) {
	dir, err := os.Open(dir_path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", dir_path, ERR_BAD_SOURCE, err)
	}
	defer dir.Close()

	files, err := dir.Readdir(-1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", dir_path, ERR_BAD_SOURCE, err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if slices.Contains(extensions, strings.ToLower(filepath.Ext(f.Name()))) {
			names = append(names, filepath.Join(dir_path, f.Name()))
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s has no %v images: %w", dir_path, extensions, ERR_BAD_SOURCE)
	}

	slices.Sort(names)
	return names, nil
}

func read(id uint64, name string) (*frame.Frame, error) {
	img := gocv.IMRead(name, gocv.IMReadAnyDepth|gocv.IMReadGrayScale)
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("%s: %w", name, ERR_BAD_IMAGE)
	}
	if img.Type() != gocv.MatTypeCV16UC1 {
		return nil, fmt.Errorf("%s has type %v: %w", name, img.Type(), ERR_BAD_DEPTH)
	}

	data, err := img.DataPtrUint16()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, ERR_BAD_IMAGE, err)
	}
	// data points into the Mat, which is closed on return
	return frame.New(id, img.Rows(), img.Cols(), slices.Clone(data))
}
