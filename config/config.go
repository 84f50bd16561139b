package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/loader"
)

// EnvVar names the configuration file when no path is given.
const EnvVar = "CONFIG"

// DefaultPath is tried when neither a path nor EnvVar is set.
const DefaultPath = "wasmload.yaml"

// Config is the file-level configuration.
type Config struct {
	Log    Log           `yaml:"log"`
	Loader loader.Config `yaml:"loader"`
}

// Log holds logging configuration
type Log struct {
	Level     string `yaml:"level"`  // debug, info, warn or error
	Format    string `yaml:"format"` // "json" or "console"
	Output    string `yaml:"output"` // "stdout", "stderr" or a file path
	AddCaller bool   `yaml:"add_caller"`
	AddStack  bool   `yaml:"add_stack"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	c.Loader.Defaults()
}

// Validate reports invalid settings.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return wlerrors.InvalidInput(wlerrors.PhaseConfig, fmt.Sprintf("log.level: %v", err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return wlerrors.InvalidInput(wlerrors.PhaseConfig, fmt.Sprintf("log.format must be json or console, got %q", c.Log.Format))
	}
	return c.Loader.Validate()
}

// Load reads path, or the file named by $CONFIG, or DefaultPath. A missing
// file yields the defaults unless the path was given explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if env := os.Getenv(EnvVar); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultPath
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return nil, wlerrors.Wrap(wlerrors.PhaseConfig, wlerrors.KindInvalidInput, err,
			fmt.Sprintf("failed to read config file %s", path))
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, wlerrors.Wrap(wlerrors.PhaseConfig, wlerrors.KindInvalidInput, err, "failed to parse YAML config")
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// NewLogger builds a zap logger from the log settings.
func NewLogger(l Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.Encoding = l.Format
	if l.Format == "console" {
		zapConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zapConfig.OutputPaths = []string{l.Output}
	zapConfig.ErrorOutputPaths = []string{l.Output}
	zapConfig.DisableCaller = !l.AddCaller
	zapConfig.DisableStacktrace = !l.AddStack
	zapConfig.Sampling = nil

	return zapConfig.Build()
}
