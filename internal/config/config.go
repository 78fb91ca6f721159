// Package config provides configuration management for xwtrain.
//
// This package handles:
//   - Tool configuration (paths, build defaults, run defaults, logging)
//   - The trainer registry: the allow-lists of component names registered by
//     each supported trainer release
//   - Build version information
//
// Tool configuration is layered with koanf: built-in defaults, then an
// optional YAML file, then XWTRAIN_* environment variables. Command-line
// flags are applied on top by the CLI.
package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultConfigDirName is the per-user configuration directory.
	DefaultConfigDirName = ".xwtrain"

	// DefaultConfigFileName is the configuration file inside DefaultConfigDirName.
	DefaultConfigFileName = "config.yaml"

	// ConfigPathEnv overrides the configuration file location.
	ConfigPathEnv = "XWTRAIN_CONFIG"

	// EnvPrefix is the prefix of environment overrides. A double underscore
	// separates nesting levels: XWTRAIN_BUILD__BASE_IMAGE -> build.base_image.
	EnvPrefix = "XWTRAIN_"

	// DefaultWorkDir is the working directory of the training image.
	DefaultWorkDir = "/workspace"

	// DefaultDebianFrontend is passed as the DEBIAN_FRONTEND build argument.
	DefaultDebianFrontend = "noninteractive"

	// DefaultImageTag is the tag applied to built images.
	DefaultImageTag = "xwtrain/resnet:latest"
)

// Config represents the complete tool configuration.
type Config struct {
	Log        LogConfig      `koanf:"log"`
	Paths      PathsConfig    `koanf:"paths"`
	Build      BuildConfig    `koanf:"build"`
	Registry   RegistryConfig `koanf:"registry"`
	Validation ValidateConfig `koanf:"validate"`
	Run        RunConfig      `koanf:"run"`
}

// LogConfig controls the logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is console or json.
	Format string `koanf:"format"`
}

// PathsConfig locates the image build materials. Relative paths are resolved
// against ProjectDir.
type PathsConfig struct {
	ProjectDir string `koanf:"project_dir"`
	RecipesDir string `koanf:"recipes_dir"`
	Manifest   string `koanf:"manifest"`
	Entrypoint string `koanf:"entrypoint"`
	Dockerfile string `koanf:"dockerfile"`
}

// BuildConfig holds image build defaults.
type BuildConfig struct {
	// BaseImage is the BASE_IMAGE build argument. Required at build time.
	BaseImage string `koanf:"base_image"`

	Tag            string `koanf:"tag"`
	WorkDir        string `koanf:"workdir"`
	DebianFrontend string `koanf:"debian_frontend"`
	NoCache        bool   `koanf:"no_cache"`
	Pull           bool   `koanf:"pull"`
}

// RegistryConfig selects the trainer registry.
type RegistryConfig struct {
	// File overrides the built-in trainer registry.
	File string `koanf:"file"`
}

// ValidateConfig controls recipe validation.
type ValidateConfig struct {
	// Parallelism bounds the number of recipes validated concurrently.
	Parallelism int `koanf:"parallelism"`

	// Strict treats warnings as errors.
	Strict bool `koanf:"strict"`
}

// RunConfig holds defaults for training containers.
type RunConfig struct {
	// GPUs is "all", "none", or a GPU count.
	GPUs string `koanf:"gpus"`

	// ShmSize is the container shared memory size (e.g., "16GiB").
	ShmSize string `koanf:"shm_size"`

	// DataDir is the host directory mounted at the recipe's ffcv_dir.
	DataDir string `koanf:"data_dir"`
}

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Paths: PathsConfig{
			ProjectDir: ".",
			RecipesDir: "recipes",
			Manifest:   "docker/requirements.txt",
			Entrypoint: "docker/train.py",
			Dockerfile: "Dockerfile",
		},
		Build: BuildConfig{
			Tag:            DefaultImageTag,
			WorkDir:        DefaultWorkDir,
			DebianFrontend: DefaultDebianFrontend,
		},
		Validation: ValidateConfig{
			Parallelism: 4,
		},
		Run: RunConfig{
			GPUs:    "all",
			ShmSize: "16GiB",
		},
	}
}

// DefaultConfigPath returns the configuration file location:
//  1. XWTRAIN_CONFIG environment variable
//  2. ~/.xwtrain/config.yaml
func DefaultConfigPath() string {
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "/tmp"
	}
	return filepath.Join(homeDir, DefaultConfigDirName, DefaultConfigFileName)
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment.
//
// A missing file is not an error when path is the default location; an
// explicitly requested file must exist.
//
// Parameters:
//   - path: Configuration file path (empty for DefaultConfigPath)
//
// Returns:
//   - Loaded and validated configuration
//   - Error if the file cannot be parsed or the result is invalid
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	var provider koanf.Provider
	if _, err := os.Stat(path); err == nil {
		provider = file.Provider(path)
	} else if explicit {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	return LoadFrom(provider)
}

// LoadFrom builds the configuration from defaults, an optional YAML provider
// and the environment. Tests pass a rawbytes provider.
func LoadFrom(provider koanf.Provider) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(NewDefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}

	if provider != nil {
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Build.WorkDir == "" {
		return fmt.Errorf("build.workdir is required")
	}
	if !path.IsAbs(c.Build.WorkDir) {
		return fmt.Errorf("build.workdir must be an absolute path: %s", c.Build.WorkDir)
	}
	if c.Validation.Parallelism < 1 {
		return fmt.Errorf("validate.parallelism must be at least 1, got %d", c.Validation.Parallelism)
	}
	if _, err := c.ShmSizeBytes(); err != nil {
		return err
	}
	return nil
}

// ShmSizeBytes parses Run.ShmSize. An empty value means the Docker default (0).
func (c *Config) ShmSizeBytes() (int64, error) {
	if c.Run.ShmSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Run.ShmSize)
	if err != nil {
		return 0, fmt.Errorf("invalid run.shm_size %q: %w", c.Run.ShmSize, err)
	}
	return int64(n), nil
}

// Resolve returns rel joined to the project directory unless it is absolute.
func (p *PathsConfig) Resolve(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.ProjectDir, rel)
}

// RecipesPath returns the resolved recipes directory.
func (p *PathsConfig) RecipesPath() string { return p.Resolve(p.RecipesDir) }

// ManifestPath returns the resolved dependency manifest path.
func (p *PathsConfig) ManifestPath() string { return p.Resolve(p.Manifest) }

// EntrypointPath returns the resolved training entrypoint path.
func (p *PathsConfig) EntrypointPath() string { return p.Resolve(p.Entrypoint) }

// DockerfilePath returns the resolved Dockerfile path.
func (p *PathsConfig) DockerfilePath() string { return p.Resolve(p.Dockerfile) }
