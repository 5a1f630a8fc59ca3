package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

func TestSanity(t *testing.T) {
	cfg, err := Unmarshal("../../cfg/config.default.toml")
	if err != nil {
		t.Fatalf("Can't load default config: %s", err)
	}
	pretty, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Can't marshal, err: %s", err)
	}
	t.Logf("Config: %s\n", string(pretty))
	if cfg.Transport.Channel != DefaultChannel {
		t.Fatalf("Expected channel %q, got %q", DefaultChannel, cfg.Transport.Channel)
	}
	if cfg.Analyzer.PatchSize != 15 || cfg.Edge.Workers != 1 {
		t.Fatalf("Unexpected analyzer/edge values: %+v %+v", cfg.Analyzer, cfg.Edge)
	}
}

func TestCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.toml")
	err := CreateDefault(path)
	if err != nil {
		t.Fatalf("Can't create default config: %s", err)
	}
	cfg, err := Unmarshal(path)
	if err != nil {
		t.Fatalf("Can't read back default config: %s", err)
	}
	if *cfg != *Default() {
		t.Fatalf("Round trip changed config:\n%+v\n%+v", cfg, Default())
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.toml")
	data := []byte("[transport]\nkind = \"redis\"\n\n[edge]\nworkers = 4\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Unmarshal(path)
	if err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if cfg.Transport.Kind != TransportKindRedis || cfg.Edge.Workers != 4 {
		t.Fatalf("Overrides lost: %+v %+v", cfg.Transport, cfg.Edge)
	}
	if cfg.Transport.Channel != DefaultChannel || cfg.Analyzer.PatchSize != 15 {
		t.Fatalf("Defaults lost: %+v %+v", cfg.Transport, cfg.Analyzer)
	}
}

func TestInvalid(t *testing.T) {
	cases := map[string]string{
		"transport": "[transport]\nkind = \"carrier-pigeon\"\n",
		"analyzer":  "[analyzer]\nkind = \"onnx\"\n",
		"patch":     "[analyzer]\npatch_size = 1\n",
		"workers":   "[edge]\nworkers = 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name+".toml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Unmarshal(path); !errors.Is(err, ERR_INVALID_CONFIG) {
				t.Fatalf("Expected ERR_INVALID_CONFIG, got %v", err)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Unmarshal(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}
