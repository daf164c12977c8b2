//
// Tencent is pleased to support the open source community by making trpc-quantflow available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//

package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loaded from YAML with a few
// environment overrides on top.
type Config struct {
	// Addr is the listen address, e.g. ":8099".
	Addr string `yaml:"addr"`
	// AllowOrigins lists the origins accepted by CORS and the websocket
	// upgrade. "*" allows everything.
	AllowOrigins []string `yaml:"allow_origins"`
	// GraphDir is the root of the saved-graph library.
	GraphDir string `yaml:"graph_dir"`
	// OllamaHost is the default local backend for chat nodes.
	OllamaHost string `yaml:"ollama_host"`
	// LogLevel is one of debug, info, warn, error, fatal.
	LogLevel string `yaml:"log_level"`

	Artifact  ArtifactConfig  `yaml:"artifact"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ArtifactConfig selects and parameterizes the artifact store backend.
type ArtifactConfig struct {
	// Backend is "local" or "cos".
	Backend string `yaml:"backend"`
	// Dir is the root directory of the local backend.
	Dir string `yaml:"dir"`
	// BucketURL is the COS bucket endpoint.
	BucketURL string `yaml:"bucket_url"`
	// SecretIDEnv and SecretKeyEnv name the env vars holding the COS
	// credentials, so secrets never live in the config file.
	SecretIDEnv  string `yaml:"secret_id_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Protocol string `yaml:"protocol"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8099",
		AllowOrigins: []string{"*"},
		GraphDir:     "./graphs",
		OllamaHost:   "http://localhost:11434",
		LogLevel:     "info",
		Artifact: ArtifactConfig{
			Backend:      "local",
			Dir:          "./artifacts",
			SecretIDEnv:  "COS_SECRET_ID",
			SecretKeyEnv: "COS_SECRET_KEY",
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
			Endpoint: "localhost:4317",
		},
	}
}

// Load reads a YAML config file and applies the environment overrides.
// An empty path yields the defaults, still with overrides applied.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("QUANTFLOW_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.OllamaHost = v
	}
	if v := os.Getenv("QUANTFLOW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	switch c.Artifact.Backend {
	case "", "local", "cos":
	default:
		return fmt.Errorf("config: unknown artifact backend %q", c.Artifact.Backend)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("config: unknown telemetry protocol %q", c.Telemetry.Protocol)
	}
	return nil
}
