package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/tsingmao/xwtrain/internal/logger"
)

const (
	// TrainerRegistryFileName is the default file name used by "xwtrain registry dump".
	TrainerRegistryFileName = "trainer_registry.yaml"

	// DefaultTrainerPackage is the pip package that provides the trainer.
	DefaultTrainerPackage = "mosaicml"
)

// Registry block names. They match the top-level recipe keys whose children
// are names registered by the trainer.
const (
	BlockAlgorithms = "algorithms"
	BlockOptimizer  = "optimizer"
	BlockSchedulers = "schedulers"
	BlockModel      = "model"
	BlockCallbacks  = "callbacks"
	BlockLoggers    = "loggers"
	BlockDevice     = "device"
	BlockTrainData  = "train_dataset"
	BlockValData    = "val_dataset"
)

// RangeRule constrains a numeric recipe value.
//
// Path is a dotted key path into the recipe. A "*" segment matches any key at
// that level, e.g. "train_dataset.*.crop_size".
type RangeRule struct {
	Path         string   `yaml:"path"`
	Min          *float64 `yaml:"min,omitempty"`
	Max          *float64 `yaml:"max,omitempty"`
	MinExclusive bool     `yaml:"min_exclusive,omitempty"`
	MaxExclusive bool     `yaml:"max_exclusive,omitempty"`
}

// Contains reports whether v satisfies the rule.
func (r RangeRule) Contains(v float64) bool {
	if r.Min != nil {
		if r.MinExclusive && v <= *r.Min {
			return false
		}
		if !r.MinExclusive && v < *r.Min {
			return false
		}
	}
	if r.Max != nil {
		if r.MaxExclusive && v >= *r.Max {
			return false
		}
		if !r.MaxExclusive && v > *r.Max {
			return false
		}
	}
	return true
}

// String renders the rule in interval notation, e.g. "[0, 1)" or "(0, +inf)".
func (r RangeRule) String() string {
	lo, hi := "-inf", "+inf"
	open, closeB := "(", ")"
	if r.Min != nil {
		lo = fmt.Sprintf("%g", *r.Min)
		if !r.MinExclusive {
			open = "["
		}
	}
	if r.Max != nil {
		hi = fmt.Sprintf("%g", *r.Max)
		if !r.MaxExclusive {
			closeB = "]"
		}
	}
	return fmt.Sprintf("%s%s, %s%s", open, lo, hi, closeB)
}

// TrainerRelease is the allow-list for a range of trainer versions.
type TrainerRelease struct {
	// Constraint selects the trainer versions this entry applies to,
	// in hashicorp/go-version syntax (e.g., ">= 0.10.0, < 0.12.0").
	Constraint string `yaml:"constraint"`

	Algorithms []string `yaml:"algorithms"`
	Optimizers []string `yaml:"optimizers"`
	Schedulers []string `yaml:"schedulers"`
	Models     []string `yaml:"models"`
	Callbacks  []string `yaml:"callbacks"`
	Loggers    []string `yaml:"loggers"`
	Datasets   []string `yaml:"datasets"`
	Devices    []string `yaml:"devices"`

	// TopLevel lists every key accepted at the root of a recipe.
	TopLevel []string `yaml:"top_level"`

	// Ranges are numeric bounds enforced on every recipe.
	Ranges []RangeRule `yaml:"ranges,omitempty"`
}

// Names returns the registered names for a recipe block.
func (r *TrainerRelease) Names(block string) []string {
	switch block {
	case BlockAlgorithms:
		return r.Algorithms
	case BlockOptimizer:
		return r.Optimizers
	case BlockSchedulers:
		return r.Schedulers
	case BlockModel:
		return r.Models
	case BlockCallbacks:
		return r.Callbacks
	case BlockLoggers:
		return r.Loggers
	case BlockTrainData, BlockValData:
		return r.Datasets
	case BlockDevice:
		return r.Devices
	default:
		return nil
	}
}

// Allows reports whether name is registered for block.
func (r *TrainerRelease) Allows(block, name string) bool {
	for _, n := range r.Names(block) {
		if n == name {
			return true
		}
	}
	return false
}

// AllowsTopLevel reports whether key is accepted at the root of a recipe.
func (r *TrainerRelease) AllowsTopLevel(key string) bool {
	for _, k := range r.TopLevel {
		if k == key {
			return true
		}
	}
	return false
}

// TrainerRegistry maps trainer versions to the component names they register.
//
// Example YAML:
//
//	package: mosaicml
//	releases:
//	  - constraint: ">= 0.10.0, < 0.12.0"
//	    algorithms: [blurpool, channels_last, ema, ...]
//	    optimizers: [decoupled_sgdw, ...]
type TrainerRegistry struct {
	// Package is the pip package name of the trainer.
	Package string `yaml:"package"`

	// Releases are ordered from oldest to newest.
	Releases []TrainerRelease `yaml:"releases"`
}

// Resolve returns the release entry matching a pinned trainer version.
//
// A nil version means the trainer is not pinned; the newest release is used
// and a warning is logged.
//
// Parameters:
//   - v: Pinned trainer version, or nil
//
// Returns:
//   - Matching release
//   - Error if no release matches or a constraint is malformed
func (reg *TrainerRegistry) Resolve(v *version.Version) (*TrainerRelease, error) {
	if len(reg.Releases) == 0 {
		return nil, fmt.Errorf("trainer registry has no releases")
	}

	if v == nil {
		newest := &reg.Releases[len(reg.Releases)-1]
		logger.Warn("Trainer %s is not pinned, using allow-list for %s", reg.Package, newest.Constraint)
		return newest, nil
	}

	for i := range reg.Releases {
		c, err := version.NewConstraint(reg.Releases[i].Constraint)
		if err != nil {
			return nil, fmt.Errorf("invalid constraint %q in trainer registry: %w", reg.Releases[i].Constraint, err)
		}
		if c.Check(v) {
			return &reg.Releases[i], nil
		}
	}

	return nil, fmt.Errorf("%s %s is not covered by the trainer registry", reg.Package, v)
}

// Validate checks that every release has a parsable constraint and that the
// required allow-lists are present.
func (reg *TrainerRegistry) Validate() error {
	if reg.Package == "" {
		return fmt.Errorf("trainer registry: package is required")
	}
	if len(reg.Releases) == 0 {
		return fmt.Errorf("trainer registry: at least one release is required")
	}
	for i, rel := range reg.Releases {
		if _, err := version.NewConstraint(rel.Constraint); err != nil {
			return fmt.Errorf("trainer registry: release[%d]: invalid constraint %q: %w", i, rel.Constraint, err)
		}
		if len(rel.TopLevel) == 0 {
			return fmt.Errorf("trainer registry: release[%d]: top_level is required", i)
		}
		for j, rr := range rel.Ranges {
			if rr.Path == "" {
				return fmt.Errorf("trainer registry: release[%d], range[%d]: path is required", i, j)
			}
			if rr.Min != nil && rr.Max != nil && *rr.Min > *rr.Max {
				return fmt.Errorf("trainer registry: release[%d], range %s: min is greater than max", i, rr.Path)
			}
		}
	}
	return nil
}

// LoadTrainerRegistry loads a registry from a YAML file. An empty path
// returns the built-in default.
func LoadTrainerRegistry(path string) (*TrainerRegistry, error) {
	if path == "" {
		return DefaultTrainerRegistry(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trainer registry: %w", err)
	}

	var reg TrainerRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse trainer registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Loaded trainer registry from %s: %d release(s)", path, len(reg.Releases))
	return &reg, nil
}

// WriteTrainerRegistry writes a registry to a YAML file with an explanatory header.
func WriteTrainerRegistry(path string, reg *TrainerRegistry) error {
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal trainer registry: %w", err)
	}

	header := `# xwtrain trainer registry
#
# Component names registered by each trainer release. Recipes are checked
# against the release matching the trainer version pinned in the dependency
# manifest (requirements.txt).
#
# Structure:
#   package: <pip package of the trainer>
#   releases:            # oldest first; the last entry is used when unpinned
#     - constraint: "<go-version constraint>"
#       algorithms: [...]
#       optimizers: [...]
#       ...
#       ranges:
#         - path: algorithms.sam.rho
#           min: 0
#           min_exclusive: true
#

`
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write trainer registry file: %w", err)
	}
	return nil
}

// DefaultTrainerRegistry returns the allow-lists for the Composer releases
// this repository has been used with.
func DefaultTrainerRegistry() *TrainerRegistry {
	algorithms := []string{
		"alibi", "augmix", "blurpool", "channels_last", "colout", "cutmix", "cutout",
		"ema", "factorize", "ghost_batchnorm", "gradient_clipping", "label_smoothing",
		"layer_freezing", "mixup", "no_op_model", "progressive_resizing", "randaugment",
		"sam", "selective_backprop", "seq_length_warmup", "squeeze_excite",
		"stochastic_depth", "swa",
	}
	schedulers := []string{
		"constant", "constant_with_warmup", "cosine_decay", "cosine_decay_with_warmup",
		"cosine_warmrestart", "exponential", "linear", "linear_decay_with_warmup",
		"multistep", "multistep_with_warmup", "polynomial", "polynomial_with_warmup", "step",
	}
	optimizers := []string{"adam", "adamw", "decoupled_adamw", "decoupled_sgdw", "radam", "rmsprop", "sgd"}
	models := []string{
		"bert", "deeplabv3", "efficientnetb0", "gpt2", "mnist_classifier",
		"resnet", "resnet_cifar", "timm", "unet", "vit_small_patch16",
	}
	callbacks := []string{
		"checkpoint_saver", "early_stopper", "grad_monitor", "image_visualizer",
		"lr_monitor", "memory_monitor", "mlperf", "optimizer_monitor", "speed_monitor",
		"threshold_stopper",
	}
	loggers := []string{"file", "in_memory", "object_store", "progress_bar", "tensorboard", "wandb"}
	datasets := []string{"ade20k", "brats", "c4", "cifar10", "coco", "glue", "imagenet", "lm", "mnist", "synthetic"}
	devices := []string{"cpu", "gpu"}
	topLevel := []string{
		"algorithms", "callbacks", "dataloader", "deterministic_mode", "device",
		"eval_batch_size", "eval_interval", "eval_subset_num_batches", "grad_accum",
		"grad_clip_norm", "load_path", "loggers", "max_duration", "model", "optimizer",
		"precision", "run_name", "save_folder", "save_interval", "scale_schedule_ratio",
		"schedulers", "seed", "step_schedulers_every_batch", "train_batch_size",
		"train_dataset", "train_subset_num_batches", "val_dataset",
	}

	newer := func(base []string, extra ...string) []string {
		out := append(append([]string{}, base...), extra...)
		sort.Strings(out)
		return out
	}

	return &TrainerRegistry{
		Package: DefaultTrainerPackage,
		Releases: []TrainerRelease{
			{
				Constraint: ">= 0.8.0, < 0.10.0",
				Algorithms: algorithms,
				Optimizers: optimizers,
				Schedulers: schedulers,
				Models:     models,
				Callbacks:  callbacks,
				Loggers:    loggers,
				Datasets:   datasets,
				Devices:    devices,
				TopLevel:   topLevel,
				Ranges:     defaultRanges(),
			},
			{
				Constraint: ">= 0.10.0, < 0.12.0",
				Algorithms: newer(algorithms, "fused_layernorm", "gated_linear_units", "low_precision_layernorm"),
				Optimizers: optimizers,
				Schedulers: schedulers,
				Models:     models,
				Callbacks:  newer(callbacks, "health_checker"),
				Loggers:    loggers,
				Datasets:   datasets,
				Devices:    newer(devices, "mps"),
				TopLevel:   topLevel,
				Ranges:     defaultRanges(),
			},
		},
	}
}

func defaultRanges() []RangeRule {
	f := func(v float64) *float64 { return &v }
	return []RangeRule{
		{Path: "scale_schedule_ratio", Min: f(0), MinExclusive: true},
		{Path: "seed", Min: f(0)},
		{Path: "algorithms.sam.rho", Min: f(0), MinExclusive: true},
		{Path: "algorithms.sam.interval", Min: f(1)},
		{Path: "algorithms.label_smoothing.smoothing", Min: f(0), Max: f(1), MaxExclusive: true},
		{Path: "algorithms.mixup.alpha", Min: f(0), MinExclusive: true},
		{Path: "algorithms.progressive_resizing.initial_scale", Min: f(0), MinExclusive: true, Max: f(1)},
		{Path: "algorithms.progressive_resizing.finetune_fraction", Min: f(0), Max: f(1)},
		{Path: "algorithms.progressive_resizing.delay_fraction", Min: f(0), Max: f(1)},
		{Path: "optimizer.*.lr", Min: f(0), MinExclusive: true},
		{Path: "optimizer.*.momentum", Min: f(0), Max: f(1)},
		{Path: "optimizer.*.dampening", Min: f(0), Max: f(1)},
		{Path: "optimizer.*.weight_decay", Min: f(0)},
		{Path: "schedulers.*.alpha_f", Min: f(0), Max: f(1)},
		{Path: "train_dataset.*.crop_size", Min: f(0), MinExclusive: true},
		{Path: "val_dataset.*.crop_size", Min: f(0), MinExclusive: true},
		{Path: "train_dataset.*.resize_size", Min: f(-1)},
		{Path: "val_dataset.*.resize_size", Min: f(-1)},
		{Path: "model.*.num_classes", Min: f(1)},
	}
}
