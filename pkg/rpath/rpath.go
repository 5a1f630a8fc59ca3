package rpath

import (
	"fmt"
	"os"
	"path/filepath"
)

func ExecutableDir() (string, error) {
	exe_path, err := os.Executable()
	if err != nil {
		return "",
			fmt.Errorf("Can't find executable's location. Error: %w", err)
	}
	return filepath.Dir(exe_path), nil
}

// Returns path if it's absolute or empty, converts path to
// absolute relative to base_dir otherwise
func Convert(base_dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base_dir, path)
}

// Applies Convert to every path in place
func ConvertAll(base_dir string, paths ...*string) {
	for _, p := range paths {
		*p = Convert(base_dir, *p)
	}
}
