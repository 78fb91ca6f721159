package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYaml = `
log:
  level: debug
paths:
  project_dir: /src/xwtrain
  recipes_dir: recipes
build:
  base_image: mosaicml/pytorch_vision:1.12.1_cu116-python3.9-ubuntu20.04
  no_cache: true
validate:
  parallelism: 8
  strict: true
run:
  shm_size: 8GiB
`

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DefaultWorkDir, cfg.Build.WorkDir)
	assert.Equal(t, DefaultDebianFrontend, cfg.Build.DebianFrontend)
	assert.Equal(t, DefaultImageTag, cfg.Build.Tag)
	assert.Empty(t, cfg.Build.BaseImage)
	assert.Equal(t, 4, cfg.Validation.Parallelism)
	assert.Equal(t, "all", cfg.Run.GPUs)
}

func TestLoadFromYaml(t *testing.T) {
	cfg, err := LoadFrom(rawbytes.Provider([]byte(testConfigYaml)))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format, "unset keys keep their defaults")
	assert.Equal(t, "mosaicml/pytorch_vision:1.12.1_cu116-python3.9-ubuntu20.04", cfg.Build.BaseImage)
	assert.True(t, cfg.Build.NoCache)
	assert.Equal(t, 8, cfg.Validation.Parallelism)
	assert.True(t, cfg.Validation.Strict)
	assert.Equal(t, "/src/xwtrain/recipes", cfg.Paths.RecipesPath())
	assert.Equal(t, "/src/xwtrain/docker/requirements.txt", cfg.Paths.ManifestPath())

	shm, err := cfg.ShmSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(8*1024*1024*1024), shm)
}

func TestLoadFromEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("XWTRAIN_BUILD__BASE_IMAGE", "nvcr.io/nvidia/pytorch:22.08-py3")
	t.Setenv("XWTRAIN_VALIDATE__PARALLELISM", "2")

	cfg, err := LoadFrom(rawbytes.Provider([]byte(testConfigYaml)))
	require.NoError(t, err)

	assert.Equal(t, "nvcr.io/nvidia/pytorch:22.08-py3", cfg.Build.BaseImage)
	assert.Equal(t, 2, cfg.Validation.Parallelism)
}

func TestLoadFromRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"relative workdir":    "build:\n  workdir: workspace\n",
		"zero parallelism":    "validate:\n  parallelism: 0\n",
		"bad shm size":        "run:\n  shm_size: lots\n",
		"malformed yaml file": "build: [\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(rawbytes.Provider([]byte(doc)))
			assert.Error(t, err)
		})
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestLoadDefaultLocationIsOptional(t *testing.T) {
	t.Setenv(ConfigPathEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkDir, cfg.Build.WorkDir)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Build.NoCache)
}

func TestPathsResolveKeepsAbsolute(t *testing.T) {
	p := PathsConfig{ProjectDir: "/src"}
	assert.Equal(t, "/etc/recipes", p.Resolve("/etc/recipes"))
	assert.Equal(t, "/src/recipes", p.Resolve("recipes"))
	assert.Equal(t, "", p.Resolve(""))
}
