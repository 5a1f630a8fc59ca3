package rpath

import (
	"path/filepath"
	"testing"
)

func TestConvert(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "opt", "braggstream")
	abs := filepath.Join(string(filepath.Separator), "data", "frames")
	rel := "models/braggnn.onnx"
	empty := ""

	ConvertAll(base, &abs, &rel, &empty)

	if abs != filepath.Join(string(filepath.Separator), "data", "frames") {
		t.Fatalf("Absolute path changed: %s", abs)
	}
	if rel != filepath.Join(base, "models", "braggnn.onnx") {
		t.Fatalf("Relative path not resolved: %s", rel)
	}
	if empty != "" {
		t.Fatalf("Empty path changed: %q", empty)
	}
}
