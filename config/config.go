package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"autocap/ledger"
	"autocap/registry"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for autocapd.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	Environment    string          `yaml:"environment"`
	EVMRPCURL      string          `yaml:"evm_rpc_url"`
	SubgraphURL    string          `yaml:"subgraph_url"`
	LotusRPCURL    string          `yaml:"lotus_rpc_url"`
	RelayURL       string          `yaml:"relay_url"`
	RequestTimeout Duration        `yaml:"request_timeout"`
	Contracts      ContractsConfig `yaml:"contracts"`
	Rounds         RoundsConfig    `yaml:"rounds"`
	Epochs         EpochsConfig    `yaml:"epochs"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// ContractsConfig names the on-chain collaborators.
type ContractsConfig struct {
	Registry  string `yaml:"registry"`
	Allocator string `yaml:"allocator"`
	Multicall string `yaml:"multicall"`
}

// RoundsConfig tunes participant and detail fetch batching.
type RoundsConfig struct {
	PageSize        int `yaml:"page_size"`
	DetailBatchSize int `yaml:"detail_batch_size"`
}

// EpochsConfig anchors unix time to chain epochs for burn windows.
type EpochsConfig struct {
	GenesisUnix     int64 `yaml:"genesis_unix"`
	SecondsPerEpoch int64 `yaml:"seconds_per_epoch"`
}

// TelemetryConfig configures optional OTLP export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "calibration"
	}
	if cfg.RequestTimeout.Duration == 0 {
		cfg.RequestTimeout.Duration = 30 * time.Second
	}
	if cfg.Contracts.Multicall == "" {
		cfg.Contracts.Multicall = registry.DefaultMulticall3
	}
	if cfg.Rounds.PageSize <= 0 {
		cfg.Rounds.PageSize = 100
	}
	if cfg.Rounds.DetailBatchSize <= 0 {
		cfg.Rounds.DetailBatchSize = 50
	}
	if cfg.Epochs.GenesisUnix == 0 {
		cfg.Epochs.GenesisUnix = ledger.CalibrationEpochs.GenesisUnix
	}
	if cfg.Epochs.SecondsPerEpoch <= 0 {
		cfg.Epochs.SecondsPerEpoch = ledger.CalibrationEpochs.SecondsPerEpoch
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.EVMRPCURL) == "" {
		return fmt.Errorf("evm_rpc_url must be configured")
	}
	if strings.TrimSpace(cfg.SubgraphURL) == "" {
		return fmt.Errorf("subgraph_url must be configured")
	}
	if strings.TrimSpace(cfg.Contracts.Registry) == "" {
		return fmt.Errorf("contracts.registry must be configured")
	}
	if strings.TrimSpace(cfg.Contracts.Allocator) == "" {
		return fmt.Errorf("contracts.allocator must be configured")
	}
	for name, addr := range map[string]string{
		"contracts.registry":  cfg.Contracts.Registry,
		"contracts.allocator": cfg.Contracts.Allocator,
		"contracts.multicall": cfg.Contracts.Multicall,
	} {
		if !isHexAddress(addr) {
			return fmt.Errorf("%s must be a 0x-prefixed 20-byte address", name)
		}
	}
	return nil
}

func isHexAddress(raw string) bool {
	raw = strings.TrimSpace(raw)
	if len(raw) != 42 || !strings.HasPrefix(raw, "0x") {
		return false
	}
	for _, r := range raw[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
