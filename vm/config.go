package vm

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config is the top-level runtime configuration, loadable from a TOML
// file.
type Config struct {
	JIT JITConfig `toml:"jit"`
	Log LogConfig `toml:"log"`
}

// JITConfig configures the acceleration subsystem.
type JITConfig struct {
	// Enabled turns the JIT on. Disabled means everything interprets.
	Enabled bool `toml:"enabled"`

	// HotThreshold is the invocation count that triggers compilation.
	HotThreshold uint64 `toml:"hot_threshold"`

	// CodeBytes is the size of the executable code region.
	CodeBytes int `toml:"code_bytes"`

	// StackBytes is the size of the native frame arena.
	StackBytes int `toml:"stack_bytes"`

	// DumpCode retains and logs a disassembly of each compiled method.
	DumpCode bool `toml:"dump_code"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Verbosity maps to the backend's verbosity level; see commonlog.
	Verbosity int `toml:"verbosity"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		JIT: JITConfig{
			Enabled:      true,
			HotThreshold: DefaultHotThreshold,
			CodeBytes:    DefaultCodeBytes,
			StackBytes:   DefaultStackBytes,
		},
	}
}

// LoadConfig reads a TOML configuration file, filling unset fields from
// the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return config, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config, fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
	}
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// LoadConfigIfPresent behaves like LoadConfig but treats a missing file
// as the default configuration.
func LoadConfigIfPresent(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// Validate checks the configuration for inconsistencies.
func (c Config) Validate() error {
	if c.JIT.CodeBytes < 0 {
		return fmt.Errorf("jit.code_bytes must not be negative")
	}
	if c.JIT.StackBytes != 0 && c.JIT.StackBytes < ctxHeaderSize+FrameSize {
		return fmt.Errorf("jit.stack_bytes must hold at least one frame (%d bytes)", ctxHeaderSize+FrameSize)
	}
	return nil
}
