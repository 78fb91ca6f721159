// Package recipe loads and validates training recipes.
//
// A recipe is a YAML document of hyperparameters and enabled training
// algorithms that the external trainer reads at startup. This package never
// interprets the values for training purposes; it checks that a document is
// well formed, names only components the pinned trainer registers, keeps
// numeric values inside their documented ranges, and survives a
// load/serialize/reload cycle unchanged.
package recipe

import (
	"sort"
)

// Params holds the options of one named component (an algorithm, optimizer,
// scheduler, callback, logger or device). A component listed without options
// ("channels_last: {}" or "blurpool:") has an empty or nil Params.
type Params map[string]interface{}

// TrainingRecipe is the typed view of a recipe document.
//
// Named blocks are keyed by the component name the trainer registers, e.g.
// Optimizer["decoupled_sgdw"]["lr"]. Keys that are not modelled here are kept
// in Extra.
type TrainingRecipe struct {
	Algorithms         map[string]Params        `yaml:"algorithms,omitempty"`
	Callbacks          map[string]Params        `yaml:"callbacks,omitempty"`
	Dataloader         *DataloaderConfig        `yaml:"dataloader,omitempty"`
	Device             map[string]Params        `yaml:"device,omitempty"`
	EvalBatchSize      int                      `yaml:"eval_batch_size,omitempty"`
	EvalInterval       string                   `yaml:"eval_interval,omitempty"`
	Loggers            map[string]Params        `yaml:"loggers,omitempty"`
	Model              map[string]ModelConfig   `yaml:"model,omitempty"`
	Optimizer          map[string]Params        `yaml:"optimizer,omitempty"`
	Precision          string                   `yaml:"precision,omitempty"`
	MaxDuration        string                   `yaml:"max_duration,omitempty"`
	ScaleScheduleRatio float64                  `yaml:"scale_schedule_ratio,omitempty"`
	Schedulers         map[string]Params        `yaml:"schedulers,omitempty"`
	Seed               int64                    `yaml:"seed,omitempty"`
	TrainBatchSize     int                      `yaml:"train_batch_size,omitempty"`
	TrainDataset       map[string]DatasetConfig `yaml:"train_dataset,omitempty"`
	ValDataset         map[string]DatasetConfig `yaml:"val_dataset,omitempty"`

	Extra map[string]interface{} `yaml:",inline"`
}

// DataloaderConfig configures the trainer's data loader workers.
type DataloaderConfig struct {
	NumWorkers        int     `yaml:"num_workers"`
	PersistentWorkers bool    `yaml:"persistent_workers"`
	PinMemory         bool    `yaml:"pin_memory"`
	PrefetchFactor    int     `yaml:"prefetch_factor"`
	Timeout           float64 `yaml:"timeout"`
}

// ModelConfig configures the model block (model.resnet in the ResNet recipes).
type ModelConfig struct {
	ModelName    string   `yaml:"model_name,omitempty"`
	NumClasses   int      `yaml:"num_classes,omitempty"`
	LossName     string   `yaml:"loss_name,omitempty"`
	Initializers []string `yaml:"initializers,omitempty"`

	Extra map[string]interface{} `yaml:",inline"`
}

// DatasetConfig configures a dataset block (train_dataset.imagenet, ...).
//
// Boolean flags are pointers so that an absent flag can be told apart from an
// explicit false.
type DatasetConfig struct {
	CropSize         int    `yaml:"crop_size,omitempty"`
	ResizeSize       int    `yaml:"resize_size,omitempty"`
	IsTrain          *bool  `yaml:"is_train,omitempty"`
	DropLast         *bool  `yaml:"drop_last,omitempty"`
	Shuffle          *bool  `yaml:"shuffle,omitempty"`
	UseFFCV          *bool  `yaml:"use_ffcv,omitempty"`
	FFCVDir          string `yaml:"ffcv_dir,omitempty"`
	FFCVDest         string `yaml:"ffcv_dest,omitempty"`
	FFCVWriteDataset *bool  `yaml:"ffcv_write_dataset,omitempty"`
	Datadir          string `yaml:"datadir,omitempty"`

	Extra map[string]interface{} `yaml:",inline"`
}

// AlgorithmNames returns the enabled algorithms in sorted order.
func (r *TrainingRecipe) AlgorithmNames() []string {
	return sortedKeys(r.Algorithms)
}

// OptimizerName returns the configured optimizer, or "" if none or several are set.
func (r *TrainingRecipe) OptimizerName() string {
	return single(sortedKeys(r.Optimizer))
}

// SchedulerNames returns the configured schedulers in sorted order.
func (r *TrainingRecipe) SchedulerNames() []string {
	return sortedKeys(r.Schedulers)
}

// DeviceName returns the configured device ("gpu", "cpu"), or "" if unset.
func (r *TrainingRecipe) DeviceName() string {
	return single(sortedKeys(r.Device))
}

// ModelBlock returns the model component name and its configuration.
func (r *TrainingRecipe) ModelBlock() (string, ModelConfig) {
	names := make([]string, 0, len(r.Model))
	for name := range r.Model {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) != 1 {
		return "", ModelConfig{}
	}
	return names[0], r.Model[names[0]]
}

// LearningRate returns optimizer.<name>.lr when it is numeric.
func (r *TrainingRecipe) LearningRate() (float64, bool) {
	name := r.OptimizerName()
	if name == "" {
		return 0, false
	}
	return toFloat(r.Optimizer[name]["lr"])
}

// FFCVDirs returns the distinct ffcv_dir values of datasets that use FFCV,
// in sorted order.
func (r *TrainingRecipe) FFCVDirs() []string {
	seen := make(map[string]bool)
	for _, block := range []map[string]DatasetConfig{r.TrainDataset, r.ValDataset} {
		for _, ds := range block {
			if ds.UseFFCV != nil && *ds.UseFFCV && ds.FFCVDir != "" {
				seen[ds.FFCVDir] = true
			}
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

func sortedKeys(m map[string]Params) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func single(names []string) string {
	if len(names) != 1 {
		return ""
	}
	return names[0]
}

// toFloat converts a decoded YAML number into float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
