// Package config loads the YAML configuration shared by the planrt CLIs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sbl8/planrt/backend/shard"
	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/llm"
	"github.com/sbl8/planrt/model"
	"github.com/sbl8/planrt/runtime"
)

type RuntimeConfig struct {
	Verification       string `yaml:"verification" validate:"oneof=minimal checksum"`
	TempPoolBytes      uint64 `yaml:"temp_pool_bytes"`
	MethodPoolHeadroom uint64 `yaml:"method_pool_headroom"`
	MaxMethodBytes     uint64 `yaml:"max_method_bytes"`
	EnableStats        bool   `yaml:"enable_stats"`
	UseMmap            bool   `yaml:"use_mmap"`
}

// ShardConfig bounds the pools of nested programs run by the shard backend.
type ShardConfig struct {
	MaxRuntimePoolBytes uint64 `yaml:"max_runtime_pool_bytes" validate:"gte=0"`
	PoolHeadroom        uint64 `yaml:"pool_headroom"`
	MaxPlannedBytes     uint64 `yaml:"max_planned_bytes"`
}

type ONNXConfig struct {
	LibraryPath    string `yaml:"library_path"`
	IntraOpThreads int    `yaml:"intra_op_threads" validate:"gte=0"`
}

type DecoderConfig struct {
	Method          string  `yaml:"method" validate:"required"`
	UseKVCache      bool    `yaml:"use_kv_cache"`
	ParallelPrefill bool    `yaml:"parallel_prefill"`
	MaxNewTokens    int     `yaml:"max_new_tokens" validate:"gt=0"`
	StopTokens      []int64 `yaml:"stop_tokens"`
	Temperature     float32 `yaml:"temperature" validate:"gte=0"`
	Seed            uint64  `yaml:"seed"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type TelemetryConfig struct {
	Traces  string `yaml:"traces" validate:"oneof=none stdout"`
	Metrics string `yaml:"metrics" validate:"oneof=none stdout prometheus"`
	// PrometheusAddr is where /metrics is served when Metrics is prometheus.
	PrometheusAddr string `yaml:"prometheus_addr" validate:"required_if=Metrics prometheus"`
}

// Config is the root configuration document.
type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Shard     ShardConfig     `yaml:"shard"`
	ONNX      ONNXConfig      `yaml:"onnx"`
	Decoder   DecoderConfig   `yaml:"decoder"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given. Load starts
// from it, so a file only needs the keys it changes.
func Default() *Config {
	engine := runtime.DefaultEngineOptions()
	return &Config{
		Runtime: RuntimeConfig{
			Verification:       "checksum",
			TempPoolBytes:      engine.TempPoolBytes,
			MethodPoolHeadroom: engine.MethodPoolHeadroom,
			MaxMethodBytes:     engine.MaxMethodBytes,
			EnableStats:        engine.EnableStats,
		},
		Shard: ShardConfig{
			MaxRuntimePoolBytes: shard.DefaultMaxPoolBytes,
			PoolHeadroom:        shard.DefaultPoolHeadroom,
			MaxPlannedBytes:     shard.DefaultMaxPlannedBytes,
		},
		Decoder: DecoderConfig{
			Method:       "forward",
			UseKVCache:   true,
			MaxNewTokens: 32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Traces:         "none",
			Metrics:        "none",
			PrometheusAddr: ":9464",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", core.ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field constraint and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("%w: invalid config: %s", core.ErrInvalidArgument, strings.Join(msgs, "; "))
}

// EngineOptions converts the runtime section. Kernels and backends are left
// for the caller to fill in.
func (c *Config) EngineOptions() runtime.EngineOptions {
	opts := runtime.DefaultEngineOptions()
	opts.Verification = c.verification()
	opts.TempPoolBytes = c.Runtime.TempPoolBytes
	opts.MethodPoolHeadroom = c.Runtime.MethodPoolHeadroom
	opts.MaxMethodBytes = c.Runtime.MaxMethodBytes
	opts.EnableStats = c.Runtime.EnableStats
	opts.UseMmap = c.Runtime.UseMmap
	return opts
}

// ShardOptions converts the shard section.
func (c *Config) ShardOptions() shard.Options {
	return shard.Options{
		PoolHeadroom:    c.Shard.PoolHeadroom,
		MaxPoolBytes:    c.Shard.MaxRuntimePoolBytes,
		MaxPlannedBytes: c.Shard.MaxPlannedBytes,
		Verification:    c.verification(),
	}
}

// GeneratorOptions converts the decoder section.
func (c *Config) GeneratorOptions() llm.GeneratorOptions {
	return llm.GeneratorOptions{
		UseKVCache:      c.Decoder.UseKVCache,
		ParallelPrefill: c.Decoder.ParallelPrefill,
		MaxNewTokens:    c.Decoder.MaxNewTokens,
		StopTokens:      append([]int64(nil), c.Decoder.StopTokens...),
	}
}

func (c *Config) verification() model.Verification {
	if c.Runtime.Verification == "minimal" {
		return model.VerifyMinimal
	}
	return model.VerifyChecksum
}
