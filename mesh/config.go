/*
File Name:  config.go

YAML configuration loading, grounded in the teacher's Settings.go
LoadConfig/go:embed pattern: a default configuration is embedded into the
binary and used whenever the caller-supplied file is missing or empty, so
the core always has a complete, valid configuration to start from.
*/

package mesh

import (
	_ "embed" // required for embedding the default config
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Status codes returned by LoadConfig, mirroring the teacher's LoadConfig contract.
const (
	ConfigStatusUnknownError = 0
	ConfigStatusReadError    = 1
	ConfigStatusParseError   = 2
	ConfigStatusSuccess      = 3
)

//go:embed config_default.yaml
var defaultConfigYAML []byte

// Duration wraps time.Duration to parse from a YAML duration string like "30s".
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("mesh: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DedupConfig configures the deduplication cache (§4.3).
type DedupConfig struct {
	MaxCacheSize int      `yaml:"maxCacheSize"`
	CacheTTL     Duration `yaml:"cacheTTL"`
}

// HeartbeatConfig configures the adaptive peer health monitor (§4.5).
type HeartbeatConfig struct {
	Interval    Duration `yaml:"interval"`
	MinInterval Duration `yaml:"minInterval"`
	MaxInterval Duration `yaml:"maxInterval"`
	Timeout     Duration `yaml:"timeout"`
	MaxMissed   int      `yaml:"maxMissed"`
	Adaptive    bool     `yaml:"adaptive"`
}

// RelayConfig configures store-and-forward and flood behavior (§4.8).
type RelayConfig struct {
	MaxStoredMessages int      `yaml:"maxStoredMessages"`
	StoreTimeout      Duration `yaml:"storeTimeout"`
	MaxRetries        int      `yaml:"maxRetries"`
	RetryBackoff      Duration `yaml:"retryBackoff"`
	FloodRateLimit    int      `yaml:"floodRateLimit"`
}

// FragmentationConfig configures message fragmentation/reassembly (§4.6).
type FragmentationConfig struct {
	MaxFragmentSize     int `yaml:"maxFragmentSize"`
	MinFragmentSize     int `yaml:"minFragmentSize"`
	MaxReassemblyBuffer int `yaml:"maxReassemblyBuffer"`
}

// BandwidthConfig configures the egress token-bucket scheduler (§4.7).
type BandwidthConfig struct {
	MaxBytesPerSecond int `yaml:"maxBytesPerSecond"`
}

// BloomConfig configures the dedup cache's bloom filter pre-check (§4.3).
type BloomConfig struct {
	ExpectedItems     uint    `yaml:"expectedItems"`
	FalsePositiveRate float64 `yaml:"falsePositiveRate"`
}

// DHTConfig configures the Kademlia DHT and its value store (§4.10).
type DHTConfig struct {
	K                 int      `yaml:"k"`
	RepublishInterval Duration `yaml:"republishInterval"`
	ValueTTL          Duration `yaml:"valueTTL"`
	MaxBytesPerOwner  int64    `yaml:"maxBytesPerOwner"`
	MaxValueSize      int64    `yaml:"maxValueSize"`
	StoreRatePerMin   int      `yaml:"storeRatePerMin"`
}

// Config is the full, typed configuration of a Network (§6).
type Config struct {
	LogFile    string `yaml:"logFile"`
	DefaultTTL uint8  `yaml:"defaultTTL"`
	MaxPeers   int    `yaml:"maxPeers"`

	// PrivateKeyHex is read from the privateKey YAML key; nothing in this
	// package uses it, and New takes the local identity from its caller.
	PrivateKeyHex string `yaml:"privateKey"`

	Dedup         DedupConfig         `yaml:"dedup"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Relay         RelayConfig         `yaml:"relay"`
	Fragmentation FragmentationConfig `yaml:"fragmentation"`
	Bandwidth     BandwidthConfig     `yaml:"bandwidth"`
	Bloom         BloomConfig         `yaml:"bloom"`
	DHT           DHTConfig           `yaml:"dht"`
}

// DefaultConfig returns the embedded default configuration, the same one
// LoadConfig falls back to for a missing or empty file.
func DefaultConfig() (cfg Config, err error) {
	if err = yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads filename as YAML into cfg. If the file does not exist or
// is empty, the embedded default configuration is used instead. The status
// code mirrors the teacher's LoadConfig contract so callers can treat any
// non-success status as fatal.
func LoadConfig(filename string) (cfg Config, status int, err error) {
	var data []byte

	stat, statErr := os.Stat(filename)
	switch {
	case statErr != nil && os.IsNotExist(statErr):
		data = defaultConfigYAML
	case statErr != nil:
		return Config{}, ConfigStatusUnknownError, statErr
	case stat.Size() == 0:
		data = defaultConfigYAML
	default:
		if data, err = os.ReadFile(filename); err != nil {
			return Config{}, ConfigStatusReadError, err
		}
	}

	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, ConfigStatusParseError, err
	}
	return cfg, ConfigStatusSuccess, nil
}

// SaveConfig writes cfg to filename as YAML, logging rather than returning
// on failure is left to the caller; this mirrors the teacher's saveConfig
// but surfaces the error instead of only logging it.
func SaveConfig(filename string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
