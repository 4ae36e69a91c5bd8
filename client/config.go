package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/IvanBrykalov/gridclient/policy"
)

// Config is the file form of a cache's settings.
//
//	name = "orders-client"
//
//	[heap]
//	threshold_bytes = 268435456
//	delta_percent = 10
//	interval = "250ms"
//
//	[regions."/orders"]
//	concurrency_checks = true
//	lru_limit = 10000
//	eviction_action = "overflow-to-disk"
//	overflow_dir = "/var/cache/gridclient"
//	remote_timeout = "5s"
type Config struct {
	Name    string                  `toml:"name"`
	Heap    HeapConfig              `toml:"heap"`
	Regions map[string]RegionConfig `toml:"regions"`
}

// HeapConfig enables the heap-LRU controller when ThresholdBytes > 0.
type HeapConfig struct {
	ThresholdBytes int64    `toml:"threshold_bytes"`
	DeltaPercent   float64  `toml:"delta_percent"`
	Interval       Duration `toml:"interval"`
}

// RegionConfig holds the file-settable attributes of one region. Settings
// given here override the attributes passed to CreateRegion.
type RegionConfig struct {
	DisableCaching    bool          `toml:"disable_caching"`
	ConcurrencyChecks bool          `toml:"concurrency_checks"`
	InitialCapacity   int           `toml:"initial_capacity"`
	ConcurrencyLevel  int           `toml:"concurrency_level"`
	LRULimit          int           `toml:"lru_limit"`
	EvictionAction    policy.Action `toml:"eviction_action"`
	// OverflowDir is where overflow-to-disk regions keep evicted values.
	OverflowDir string `toml:"overflow_dir"`
	// OverflowReadCache is the number of decoded overflow values kept in
	// memory (0 = none).
	OverflowReadCache int      `toml:"overflow_read_cache"`
	RemoteTimeout     Duration `toml:"remote_timeout"`
	// HeapLRU registers the region with the heap-LRU controller.
	HeapLRU bool `toml:"heap_lru"`
}

// Duration is a time.Duration written as a string ("250ms", "15s").
type Duration struct{ time.Duration }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// LoadConfig reads a TOML config file. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("client: load %s: %w", path, err)
	}
	return cfg, finishConfig(cfg, md)
}

// ParseConfig is LoadConfig for a config held in memory.
func ParseConfig(data string) (Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("client: parse config: %w", err)
	}
	return cfg, finishConfig(cfg, md)
}

func finishConfig(cfg Config, md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("client: unsupported key in configuration: [%s]", undecoded[0])
	}
	return cfg.Validate()
}

// Validate checks the settings that cannot be checked per field.
func (c Config) Validate() error {
	if c.Heap.ThresholdBytes < 0 {
		return fmt.Errorf("client: heap.threshold_bytes must not be negative")
	}
	if p := c.Heap.DeltaPercent; p < 0 || p > 100 {
		return fmt.Errorf("client: heap.delta_percent %v out of range [0, 100]", p)
	}
	for path, rc := range c.Regions {
		if err := ValidatePath(path); err != nil {
			return err
		}
		if rc.EvictionAction.Overflows() && rc.OverflowDir == "" {
			return fmt.Errorf("client: region %s: %s needs overflow_dir", path, rc.EvictionAction)
		}
		if rc.HeapLRU && c.Heap.ThresholdBytes == 0 {
			return fmt.Errorf("client: region %s: heap_lru needs heap.threshold_bytes", path)
		}
	}
	return nil
}

// ValidatePath checks a full region path such as "/orders/eu".
func ValidatePath(path string) error {
	switch {
	case !strings.HasPrefix(path, "/"), path == "/":
		return fmt.Errorf("%w: region path %q must start with '/' and name a region", ErrInvalidPath, path)
	case strings.HasSuffix(path, "/"), strings.Contains(path, "//"):
		return fmt.Errorf("%w: region path %q has an empty name", ErrInvalidPath, path)
	}
	return nil
}
