// Package config loads the CLI's optional YAML configuration file. It is
// deliberately the only place in this module that parses a config file:
// spec §1 lists configuration file parsing as an out-of-scope concern for
// the core engine, and spec §9's Design Notes require the scheduler and
// worker to receive their settings as constructor-injected structs, not
// read them from disk themselves. Grounded on the shape of the teacher's
// internal/config/settings.go (General/Connections/Chunks/Performance
// categories), translated from its hand-rolled JSON persistence to
// gopkg.in/yaml.v3, the format the rest of the example pack reaches for
// when a human is expected to hand-edit the file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/surgekit/godl/internal/scheduler"
	"github.com/surgekit/godl/internal/worker"
)

// File is the CLI config's on-disk shape.
type File struct {
	General     General     `yaml:"general"`
	Connections Connections `yaml:"connections"`
	Performance Performance `yaml:"performance"`
}

type General struct {
	DefaultDownloadDir string `yaml:"default_download_dir"`
	Verbose            bool   `yaml:"verbose"`
}

type Connections struct {
	DefaultConnections     int `yaml:"default_connections"`
	MaxConcurrentDownloads int `yaml:"max_concurrent_downloads"`
}

type Performance struct {
	MinChunkSizeMB        int64         `yaml:"min_chunk_size_mb"`
	WorkerBufferSizeKB    int64         `yaml:"worker_buffer_size_kb"`
	MaxTaskRetries        int           `yaml:"max_task_retries"`
	SlowWorkerThreshold   float64       `yaml:"slow_worker_threshold"`
	SlowWorkerGracePeriod time.Duration `yaml:"slow_worker_grace_period"`
	SpeedEMAAlpha         float64       `yaml:"speed_ema_alpha"`
}

// Default returns the File a fresh install ships with.
func Default() File {
	wc := worker.DefaultConfig()
	return File{
		General: General{},
		Connections: Connections{
			DefaultConnections:     8,
			MaxConcurrentDownloads: 3,
		},
		Performance: Performance{
			MinChunkSizeMB:        wc.MinChunkSize / (1 << 20),
			WorkerBufferSizeKB:    wc.BufferSize / 1024,
			MaxTaskRetries:        wc.MaxRetries,
			SlowWorkerThreshold:   wc.SlowWorkerThreshold,
			SlowWorkerGracePeriod: wc.SlowWorkerGrace,
			SpeedEMAAlpha:         wc.SpeedEMAAlpha,
		},
	}
}

// Dir returns the directory godl stores its config and task store under,
// honoring $GODL_HOME for tests and unusual environments before falling
// back to the user's standard config directory, e.g.
// ~/.config/godl on Linux — grounded on original_source's
// Path.home() / ".ndm_clone".
func Dir() (string, error) {
	if override := os.Getenv("GODL_HOME"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "godl"), nil
}

// Load reads path, falling back to Default() if the file does not exist.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return File{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SchedulerConfig translates the loaded file into the scheduler's
// constructor-injected Config.
func (f File) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxConcurrent:      f.Connections.MaxConcurrentDownloads,
		DefaultConnections: f.Connections.DefaultConnections,
		WorkerConfig:       f.WorkerConfig(),
	}
}

// WorkerConfig translates the loaded file into the worker's
// constructor-injected Config, keeping the worker package's own defaults
// for every field this file doesn't expose to the user.
func (f File) WorkerConfig() worker.Config {
	wc := worker.DefaultConfig()
	if f.Performance.MinChunkSizeMB > 0 {
		wc.MinChunkSize = f.Performance.MinChunkSizeMB * (1 << 20)
	}
	if f.Performance.WorkerBufferSizeKB > 0 {
		wc.BufferSize = f.Performance.WorkerBufferSizeKB * 1024
	}
	if f.Performance.MaxTaskRetries > 0 {
		wc.MaxRetries = f.Performance.MaxTaskRetries
	}
	if f.Performance.SlowWorkerThreshold > 0 {
		wc.SlowWorkerThreshold = f.Performance.SlowWorkerThreshold
	}
	if f.Performance.SlowWorkerGracePeriod > 0 {
		wc.SlowWorkerGrace = f.Performance.SlowWorkerGracePeriod
	}
	if f.Performance.SpeedEMAAlpha > 0 {
		wc.SpeedEMAAlpha = f.Performance.SpeedEMAAlpha
	}
	return wc
}
