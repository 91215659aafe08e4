// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the pipeline server configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, and PIDPIPELINE_* environment variables. The result is validated
// before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/pidpipeline/services/pipeline/retry"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PIDPIPELINE_"

// Duration is a time.Duration written as "90s" or "10m" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Projects   ProjectsConfig   `yaml:"projects"`
	Worker     WorkerConfig     `yaml:"worker"`
	Retry      RetryConfig      `yaml:"retry"`
	Stages     StagesConfig     `yaml:"stages"`
	Validation ValidationConfig `yaml:"validation"`
	Watch      WatchConfig      `yaml:"watch"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `yaml:"addr" validate:"required"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// MaxUploadBytes bounds an uploaded image.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" validate:"gt=0"`
}

// StorageConfig locates the durable state.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path" validate:"required"`
	ArtifactRoot string `yaml:"artifact_root" validate:"required"`
	QueueDir     string `yaml:"queue_dir" validate:"required"`
	// QueueVisibility must exceed every stage's hard timeout.
	QueueVisibility Duration `yaml:"queue_visibility"`
	QueueGCInterval Duration `yaml:"queue_gc_interval"`
}

// ProjectsConfig locates project files.
type ProjectsConfig struct {
	Dir   string `yaml:"dir" validate:"required"`
	Watch bool   `yaml:"watch"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency  int      `yaml:"concurrency" validate:"gte=1"`
	HeavySlots   int      `yaml:"heavy_slots" validate:"gte=1"`
	PollInterval Duration `yaml:"poll_interval"`
	ReleaseDelay Duration `yaml:"release_delay"`
}

// StagePolicyConfig is the YAML form of retry.StagePolicy.
type StagePolicyConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	SoftTimeout Duration `yaml:"soft_timeout"`
	HardTimeout Duration `yaml:"hard_timeout"`
}

// RetryConfig holds the default budget and per-stage overrides. Fields left
// zero in an override inherit from Default.
type RetryConfig struct {
	Default StagePolicyConfig            `yaml:"default"`
	Stages  map[string]StagePolicyConfig `yaml:"stages"`
}

// StagesConfig configures the ML collaborator.
type StagesConfig struct {
	MLBaseURL         string  `yaml:"ml_base_url" validate:"omitempty,url"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// ValidationConfig configures the human validation tools.
type ValidationConfig struct {
	CVAT CVATConfig `yaml:"cvat"`
	// EditorURL is the editor template with {diagram_id}, {stage} and
	// {number} placeholders. Bounding boxes use it too when CVAT is not
	// configured.
	EditorURL string `yaml:"editor_url"`
}

// CVATConfig configures the bounding box tool.
type CVATConfig struct {
	BaseURL      string   `yaml:"base_url" validate:"omitempty,url"`
	BrowserURL   string   `yaml:"browser_url" validate:"omitempty,url"`
	Token        string   `yaml:"token"`
	ImageQuality int      `yaml:"image_quality" validate:"gte=1,lte=100"`
	PollAttempts int      `yaml:"poll_attempts" validate:"gte=1"`
	PollInterval Duration `yaml:"poll_interval"`
}

// WatchConfig configures status streaming.
type WatchConfig struct {
	Interval Duration `yaml:"interval"`
}

// RecoveryConfig configures the lost job sweep.
type RecoveryConfig struct {
	Interval Duration `yaml:"interval"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	setString(&c.Server.Addr, ":8080")
	setDuration(&c.Server.ShutdownTimeout, 15*time.Second)
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 64 << 20
	}

	setString(&c.Storage.DatabasePath, "data/pidpipeline.db")
	setString(&c.Storage.ArtifactRoot, "data/artifacts")
	setString(&c.Storage.QueueDir, "data/queue")
	setDuration(&c.Storage.QueueVisibility, 65*time.Minute)
	setDuration(&c.Storage.QueueGCInterval, 10*time.Minute)

	setString(&c.Projects.Dir, "projects")

	setInt(&c.Worker.Concurrency, 4)
	setInt(&c.Worker.HeavySlots, 1)
	setDuration(&c.Worker.PollInterval, time.Second)
	setDuration(&c.Worker.ReleaseDelay, 5*time.Second)

	def := retry.DefaultStagePolicy()
	setInt(&c.Retry.Default.MaxAttempts, def.MaxAttempts)
	setDuration(&c.Retry.Default.BaseDelay, def.BaseDelay)
	setDuration(&c.Retry.Default.MaxDelay, def.MaxDelay)
	setDuration(&c.Retry.Default.SoftTimeout, def.SoftTimeout)
	setDuration(&c.Retry.Default.HardTimeout, def.HardTimeout)
	if c.Retry.Stages == nil {
		c.Retry.Stages = map[string]StagePolicyConfig{
			string(status.StageDetect): {
				SoftTimeout: Duration(25 * time.Minute),
				HardTimeout: Duration(30 * time.Minute),
			},
		}
	}

	setString(&c.Validation.EditorURL, "http://localhost:3000/editor/{diagram_id}/{stage}")
	setInt(&c.Validation.CVAT.ImageQuality, 70)
	setInt(&c.Validation.CVAT.PollAttempts, 30)
	setDuration(&c.Validation.CVAT.PollInterval, time.Second)

	setDuration(&c.Watch.Interval, 2*time.Second)
	setDuration(&c.Recovery.Interval, time.Minute)

	setString(&c.Logging.Level, "info")
	setString(&c.Tracing.ServiceName, "pidpipeline")
}

// Load reads path (optional), applies environment overrides and defaults and
// validates the result.
//
// # Inputs
//
//   - path: YAML file. Empty uses defaults and the environment only.
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: Unreadable file, malformed YAML, bad override, or a value that
//     fails validation.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ADDR":          &c.Server.Addr,
		"DATABASE_PATH": &c.Storage.DatabasePath,
		"ARTIFACT_ROOT": &c.Storage.ArtifactRoot,
		"QUEUE_DIR":     &c.Storage.QueueDir,
		"PROJECTS_DIR":  &c.Projects.Dir,
		"ML_BASE_URL":   &c.Stages.MLBaseURL,
		"CVAT_URL":      &c.Validation.CVAT.BaseURL,
		"CVAT_BROWSER":  &c.Validation.CVAT.BrowserURL,
		"CVAT_TOKEN":    &c.Validation.CVAT.Token,
		"EDITOR_URL":    &c.Validation.EditorURL,
		"LOG_DIR":       &c.Logging.Dir,
		"LOG_LEVEL":     &c.Logging.Level,
		"OTEL_ENDPOINT": &c.Tracing.Endpoint,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKERS":     &c.Worker.Concurrency,
		"HEAVY_SLOTS": &c.Worker.HeavySlots,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}
	return nil
}

var validate = validator.New()

// Validate checks c.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	p, err := c.Retry.Policy()
	if err != nil {
		return fmt.Errorf("invalid config: retry: %w", err)
	}
	for _, st := range status.Stages() {
		if hard := p.For(st).HardTimeout; c.Storage.QueueVisibility.D() <= hard {
			return fmt.Errorf("invalid config: storage.queue_visibility %s must exceed the %s hard timeout %s",
				c.Storage.QueueVisibility.D(), st, hard)
		}
	}
	return nil
}

// Policy builds the retry policy.
func (r RetryConfig) Policy() (*retry.Policy, error) {
	def := r.Default.policy(retry.DefaultStagePolicy())
	overrides := make(map[status.Stage]retry.StagePolicy, len(r.Stages))
	for name, sp := range r.Stages {
		st, err := status.ParseStage(name)
		if err != nil {
			return nil, err
		}
		overrides[st] = sp.policy(def)
	}
	return retry.NewPolicy(def, overrides)
}

func (s StagePolicyConfig) policy(base retry.StagePolicy) retry.StagePolicy {
	if s.MaxAttempts != 0 {
		base.MaxAttempts = s.MaxAttempts
	}
	if s.BaseDelay != 0 {
		base.BaseDelay = s.BaseDelay.D()
	}
	if s.MaxDelay != 0 {
		base.MaxDelay = s.MaxDelay.D()
	}
	if s.SoftTimeout != 0 {
		base.SoftTimeout = s.SoftTimeout.D()
	}
	if s.HardTimeout != 0 {
		base.HardTimeout = s.HardTimeout.D()
	}
	return base
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func setDuration(dst *Duration, v time.Duration) {
	if *dst == 0 {
		*dst = Duration(v)
	}
}
