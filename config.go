package rhi

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// HeapConfig sets descriptor heap capacities.
type HeapConfig struct {
	CBVSRVUAV uint32 `toml:"cbv_srv_uav"`
	Samplers  uint32 `toml:"samplers"`
	RTV       uint32 `toml:"rtv"`
	DSV       uint32 `toml:"dsv"`
}

// Config configures a Device.
//
// Zero values select defaults, so a partially filled Config (or TOML file)
// is valid.
type Config struct {
	// Backend is a registered backend name, or "" / "auto" for the best
	// available one.
	Backend string `toml:"backend"`

	// FramesInFlight is the number of frames the CPU may record ahead of
	// the GPU.
	FramesInFlight int `toml:"frames_in_flight"`

	Heaps       HeapConfig `toml:"heaps"`
	BufferPool  PoolConfig `toml:"buffer_pool"`
	TexturePool PoolConfig `toml:"texture_pool"`
}

// Default configuration values.
const (
	DefaultFramesInFlight = 2
	MaxFramesInFlight     = 8

	DefaultCBVSRVUAVDescriptors = 4096
	DefaultSamplerDescriptors   = 256
	DefaultRTVDescriptors       = 256
	DefaultDSVDescriptors       = 64

	DefaultPoolEntries = 256
	DefaultPoolBytes   = 256 << 20
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.FramesInFlight == 0 {
		c.FramesInFlight = DefaultFramesInFlight
	}
	if c.Heaps.CBVSRVUAV == 0 {
		c.Heaps.CBVSRVUAV = DefaultCBVSRVUAVDescriptors
	}
	if c.Heaps.Samplers == 0 {
		c.Heaps.Samplers = DefaultSamplerDescriptors
	}
	if c.Heaps.RTV == 0 {
		c.Heaps.RTV = DefaultRTVDescriptors
	}
	if c.Heaps.DSV == 0 {
		c.Heaps.DSV = DefaultDSVDescriptors
	}
	if c.BufferPool == (PoolConfig{}) {
		c.BufferPool = PoolConfig{MaxEntries: DefaultPoolEntries, MaxBytes: DefaultPoolBytes}
	}
	if c.TexturePool == (PoolConfig{}) {
		c.TexturePool = PoolConfig{MaxEntries: DefaultPoolEntries, MaxBytes: DefaultPoolBytes}
	}
	return c
}

// Validate reports configuration values out of range.
func (c Config) Validate() error {
	if c.FramesInFlight < 0 || c.FramesInFlight > MaxFramesInFlight {
		return fmt.Errorf("%w: frames_in_flight %d not in [1, %d]", ErrInvalidConfig, c.FramesInFlight, MaxFramesInFlight)
	}
	if c.BufferPool.MaxEntries < 0 || c.TexturePool.MaxEntries < 0 {
		return fmt.Errorf("%w: negative pool max_entries", ErrInvalidConfig)
	}
	return nil
}

// ParseConfig decodes a TOML configuration. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and decodes a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("rhi: load config: %w", err)
	}
	c, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("rhi: load config %s: %w", path, err)
	}
	return c, nil
}

// Encode returns the configuration as TOML with defaults resolved.
func (c Config) Encode() ([]byte, error) {
	return toml.Marshal(c.withDefaults())
}
