package config

import (
	// stdlib
	"fmt"
	"os"

	// external
	"github.com/pelletier/go-toml/v2"
)

// Enum types

type LoggingLevel string

const (
	LoggingLevelDebug = "debug"
	LoggingLevelInfo  = "info"
	LoggingLevelWarn  = "warn"
	LoggingLevelError = "error"
)

type TransportKind string

const (
	TransportKindMemory = "memory"
	TransportKindMQTT   = "mqtt"
	TransportKindRedis  = "redis"
)

type AnalyzerKind string

const (
	AnalyzerKindCentroid = "centroid"
	AnalyzerKindONNX     = "onnx"
)

type DeviceType string

const (
	DeviceTypeCPU = "cpu"
	DeviceTypeGPU = "gpu"
	DeviceTypeVPU = "vpu"
)

const (
	DefaultChannel = "pvapy:image"
)

// Config file structure

type ConfigFile struct {
	Logging   LoggingConfig
	Transport TransportConfig
	Analyzer  AnalyzerConfig
	Edge      EdgeConfig
	Preview   PreviewConfig
}

type LoggingConfig struct {
	Level         string
	File          string
	StatPeriodSec uint `toml:"stat_period_sec"`
}

type TransportConfig struct {
	Kind    string
	Channel string
	MQTT    MQTTConfig  `toml:"mqtt"`
	Redis   RedisConfig `toml:"redis"`
}

type MQTTConfig struct {
	Address           string
	Username          string
	Password          string
	ConnectTimeoutSec uint `toml:"connect_timeout_sec"`
	BufferSize        uint `toml:"buffer_size"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int `toml:"db"`
}

type AnalyzerConfig struct {
	Kind            string
	PatchSize       uint   `toml:"patch_size"`
	Threshold       uint16 `toml:"threshold"`
	MinPixels       uint   `toml:"min_pixels"`
	ModelPath       string `toml:"model_path"`
	OutputLayerName string `toml:"output_layer_name"`
	Device          string `toml:"device"`
	MaxBatch        uint   `toml:"max_batch"`
}

type EdgeConfig struct {
	Workers     uint
	QueueLimit  uint `toml:"queue_limit"`
	DedupWindow uint `toml:"dedup_window"`
	SessionSec  uint `toml:"session_sec"`
}

type PreviewConfig struct {
	Enabled            bool
	Port               uint
	ReadTimeoutSec     uint `toml:"read_timeout_sec"`
	WriteTimeoutSec    uint `toml:"write_timeout_sec"`
	ShutdownTimeoutSec uint `toml:"shutdown_timeout_sec"`
	W                  uint
	H                  uint
}

// Values used for every key the file leaves out
func Default() *ConfigFile {
	return &ConfigFile{
		Logging: LoggingConfig{
			Level:         LoggingLevelInfo,
			File:          "",
			StatPeriodSec: 5,
		},
		Transport: TransportConfig{
			Kind:    TransportKindMQTT,
			Channel: DefaultChannel,
			MQTT: MQTTConfig{
				Address:           "127.0.0.1:1883",
				ConnectTimeoutSec: 5,
				BufferSize:        1 << 22,
			},
			Redis: RedisConfig{
				Address: "127.0.0.1:6379",
			},
		},
		Analyzer: AnalyzerConfig{
			Kind:      AnalyzerKindCentroid,
			PatchSize: 15,
			Threshold: 100,
			MinPixels: 2,
			Device:    DeviceTypeCPU,
			MaxBatch:  512,
		},
		Edge: EdgeConfig{
			Workers:     1,
			QueueLimit:  0,
			DedupWindow: 64,
			SessionSec:  1000,
		},
		Preview: PreviewConfig{
			Enabled:            false,
			Port:               8080,
			ReadTimeoutSec:     5,
			WriteTimeoutSec:    0,
			ShutdownTimeoutSec: 3,
		},
	}
}

func (cfg *ConfigFile) Validate() error {
	switch cfg.Transport.Kind {
	case TransportKindMemory, TransportKindMQTT, TransportKindRedis:
	default:
		return fmt.Errorf("Unknown transport kind %q: %w", cfg.Transport.Kind, ERR_INVALID_CONFIG)
	}
	switch cfg.Analyzer.Kind {
	case AnalyzerKindCentroid:
	case AnalyzerKindONNX:
		if cfg.Analyzer.ModelPath == "" {
			return fmt.Errorf("Analyzer %q needs model_path: %w", cfg.Analyzer.Kind, ERR_INVALID_CONFIG)
		}
	default:
		return fmt.Errorf("Unknown analyzer kind %q: %w", cfg.Analyzer.Kind, ERR_INVALID_CONFIG)
	}
	if cfg.Transport.Channel == "" {
		return fmt.Errorf("Empty channel name: %w", ERR_INVALID_CONFIG)
	}
	if cfg.Analyzer.PatchSize < 3 {
		return fmt.Errorf("Patch size %d is too small: %w", cfg.Analyzer.PatchSize, ERR_INVALID_CONFIG)
	}
	if cfg.Edge.Workers < 1 {
		return fmt.Errorf("Need at least one worker: %w", ERR_INVALID_CONFIG)
	}
	return nil
}

// Reads file_path over the defaults. An empty path yields the defaults.
func Unmarshal(file_path string) (*ConfigFile, error) {
	config_file := Default()
	if file_path == "" {
		return config_file, nil
	}
	data, err := os.ReadFile(file_path)
	if err != nil {
		return nil,
			fmt.Errorf("Unable to read %s error: %w", file_path, err)
	}
	err = toml.Unmarshal(data, config_file)
	if err != nil {
		return nil,
			fmt.Errorf("Unable to unmarshal %s error: %w", file_path, err)
	}
	if err := config_file.Validate(); err != nil {
		return nil,
			fmt.Errorf("Invalid config %s error: %w", file_path, err)
	}
	return config_file, nil
}

// Writes the default config to file_path
func CreateDefault(file_path string) error {
	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("Unable to marshal default config error: %w", err)
	}
	if err := os.WriteFile(file_path, data, 0o644); err != nil {
		return fmt.Errorf("Unable to write %s error: %w", file_path, err)
	}
	return nil
}
