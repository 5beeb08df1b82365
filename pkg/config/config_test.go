package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbt.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
[engine]
backend = "tci"
time_slice = "10ms"
vcpus = 4

[mmu]
precise_smc = true

[optimize]
fold = false

[profile]
path = "/tmp/dbt-profile"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.Engine.Backend = "tci"
	want.Engine.TimeSlice = "10ms"
	want.Engine.VCPUs = 4
	want.MMU.PreciseSMC = true
	want.Optimize.Fold = false
	want.Profile.Path = "/tmp/dbt-profile"
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Load (-want +got):\n%s", diff)
	}

	o := c.EngineOptions(nil, nil)
	if o.TimeSlice != 10*time.Millisecond || !o.PreciseSMC || o.Optimize.Fold || !o.Optimize.DCE {
		t.Errorf("EngineOptions = %+v", o)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"backend", func(c *Config) { c.Engine.Backend = "mips" }, "engine.backend"},
		{"max insns", func(c *Config) { c.Engine.MaxInsns = 0 }, "engine.max_insns"},
		{"time slice", func(c *Config) { c.Engine.TimeSlice = "soon" }, "engine.time_slice"},
		{"vcpus", func(c *Config) { c.Engine.VCPUs = 0 }, "engine.vcpus"},
		{"code buffer", func(c *Config) { c.Cache.CodeBufferSize = 4096 }, "cache.code_buffer_size"},
		{"ram size", func(c *Config) { c.MMU.RAMSize = 100 }, "mmu"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mod(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want an error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	if _, err := Load(writeFile(t, "[engine\n")); err == nil {
		t.Errorf("Load accepted malformed TOML")
	}
	if _, err := Load(writeFile(t, "[engine]\nbackend = \"z80\"\n")); err == nil {
		t.Errorf("Load accepted an unknown backend")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	c := Default()
	c.Engine.BlockBudget = 1000
	c.Metrics.Addr = ":9100"
	path := filepath.Join(t.TempDir(), "out.toml")
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("round trip (-saved +loaded):\n%s", diff)
	}
}

func TestLogger(t *testing.T) {
	c := Default()
	c.Log.Level = "debug"
	c.Log.Development = true
	log, err := c.Logger()
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	if ce := log.Check(zap.DebugLevel, "debug"); ce == nil {
		t.Errorf("debug level not enabled")
	}
}
