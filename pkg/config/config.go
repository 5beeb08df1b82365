// Package config loads dbtrun settings from a TOML file.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/engine"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/metrics"
	"github.com/ascrivener/dbt/pkg/optimize"
)

// Config is the whole configuration file.
type Config struct {
	Engine   Engine   `toml:"engine"`
	Cache    Cache    `toml:"cache"`
	MMU      MMU      `toml:"mmu"`
	Optimize Optimize `toml:"optimize"`
	Log      Log      `toml:"log"`
	Metrics  Metrics  `toml:"metrics"`
	Profile  Profile  `toml:"profile"`
}

type Engine struct {
	// Backend is "auto", "amd64", "arm64" or "tci".
	Backend     string `toml:"backend"`
	MaxInsns    int    `toml:"max_insns"`
	BlockBudget int    `toml:"block_budget"`
	// TimeSlice is a Go duration such as "10ms"; empty disables it.
	TimeSlice   string `toml:"time_slice"`
	Chaining    bool   `toml:"chaining"`
	Interpreter bool   `toml:"interpreter"`
	VCPUs       int    `toml:"vcpus"`
}

type Cache struct {
	CodeBufferSize int  `toml:"code_buffer_size"`
	HashBits       uint `toml:"hash_bits"`
	JumpCacheBits  uint `toml:"jump_cache_bits"`
}

// MMU describes guest memory.
type MMU struct {
	RAMBase    uint64 `toml:"ram_base"`
	RAMSize    uint64 `toml:"ram_size"`
	PreciseSMC bool   `toml:"precise_smc"`
}

type Optimize struct {
	Fold     bool `toml:"fold"`
	CopyProp bool `toml:"copyprop"`
	DCE      bool `toml:"dce"`
}

type Log struct {
	// Level is a zap level name: debug, info, warn or error.
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type Metrics struct {
	// Addr serves /metrics when set, e.g. ":9100".
	Addr string `toml:"addr"`
}

type Profile struct {
	// Path is the profile database directory; empty disables profiling.
	Path     string `toml:"path"`
	MinExecs uint64 `toml:"min_execs"`
	Prewarm  bool   `toml:"prewarm"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	o := optimize.DefaultOptions()
	return &Config{
		Engine: Engine{
			Backend:  "auto",
			MaxInsns: constants.MaxInsnsPerBlock,
			Chaining: true,
			VCPUs:    1,
		},
		Cache: Cache{
			CodeBufferSize: constants.DefaultCodeBufferSize,
			HashBits:       constants.DefaultHashBits,
			JumpCacheBits:  constants.DefaultJumpCacheBits,
		},
		MMU: MMU{
			RAMBase: 0x80000000,
			RAMSize: 128 << 20,
		},
		Optimize: Optimize{Fold: o.Fold, CopyProp: o.CopyProp, DCE: o.DCE},
		Log:      Log{Level: "info"},
		Profile:  Profile{MinExecs: 2, Prewarm: true},
	}
}

// Load reads path over the defaults, so a file only needs the keys it
// changes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file")
	}
	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %s", path)
	}
	return c, nil
}

// Save writes c as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write config file")
	}
	return nil
}

// Validate checks values the engine would otherwise clamp or reject.
func (c *Config) Validate() error {
	switch c.Engine.Backend {
	case "auto", "amd64", "arm64", "tci":
	default:
		return errors.Newf("engine.backend: unknown backend %q", c.Engine.Backend)
	}
	if c.Engine.MaxInsns < 1 || c.Engine.MaxInsns > constants.MaxInsnsPerBlock {
		return errors.Newf("engine.max_insns must be in [1, %d], got %d", constants.MaxInsnsPerBlock, c.Engine.MaxInsns)
	}
	if c.Engine.BlockBudget < 0 {
		return errors.Newf("engine.block_budget must not be negative")
	}
	if _, err := c.timeSlice(); err != nil {
		return err
	}
	if c.Engine.VCPUs < 1 {
		return errors.Newf("engine.vcpus must be at least 1")
	}
	if c.Cache.CodeBufferSize < constants.CodeRegionSize {
		return errors.Newf("cache.code_buffer_size must be at least %d", constants.CodeRegionSize)
	}
	if c.Cache.HashBits == 0 || c.Cache.HashBits > 24 {
		return errors.Newf("cache.hash_bits must be in [1, 24]")
	}
	if c.Cache.JumpCacheBits == 0 || c.Cache.JumpCacheBits > 16 {
		return errors.Newf("cache.jump_cache_bits must be in [1, 16]")
	}
	if c.MMU.RAMSize == 0 || c.MMU.RAMSize%constants.PageSize != 0 || c.MMU.RAMBase%constants.PageSize != 0 {
		return errors.Newf("mmu: ram_base and ram_size must be non-zero multiples of the page size")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "log.level")
	}
	return nil
}

func (c *Config) timeSlice() (time.Duration, error) {
	if c.Engine.TimeSlice == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Engine.TimeSlice)
	if err != nil {
		return 0, errors.Wrapf(err, "engine.time_slice")
	}
	if d < 0 {
		return 0, errors.Newf("engine.time_slice must not be negative")
	}
	return d, nil
}

// EngineOptions converts c into engine options. c must be valid.
func (c *Config) EngineOptions(log *zap.Logger, m *metrics.Metrics) engine.Options {
	ts, _ := c.timeSlice()
	return engine.Options{
		Backend:        c.Engine.Backend,
		CodeBufferSize: c.Cache.CodeBufferSize,
		HashBits:       c.Cache.HashBits,
		JumpCacheBits:  c.Cache.JumpCacheBits,
		MaxInsns:       c.Engine.MaxInsns,
		BlockBudget:    c.Engine.BlockBudget,
		TimeSlice:      ts,
		Chaining:       c.Engine.Chaining,
		PreciseSMC:     c.MMU.PreciseSMC,
		Interpreter:    c.Engine.Interpreter,
		Optimize: optimize.Options{
			Fold:     c.Optimize.Fold,
			CopyProp: c.Optimize.CopyProp,
			DCE:      c.Optimize.DCE,
		},
		Logger:  log,
		Metrics: m,
	}
}

// Logger builds the zap logger described by the [log] section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
