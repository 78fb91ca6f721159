package recipe

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var repoRecipes = filepath.Join("..", "..", "recipes")

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    error
		message string
	}{
		{name: "empty", data: "", want: ErrEmptyDocument},
		{name: "null", data: "~\n", want: ErrEmptyDocument},
		{name: "scalar", data: "42\n", want: ErrNotMapping},
		{name: "sequence", data: "- blurpool\n- sam\n", want: ErrNotMapping},
		{name: "multiple documents", data: "seed: 1\n---\nseed: 2\n", want: ErrMultipleDocuments},
		{name: "duplicate key", data: "seed: 1\nseed: 2\n", message: "already defined"},
		{name: "nested duplicate key", data: "algorithms:\n  sam:\n    rho: 0.5\n    rho: 0.1\n", message: "already defined"},
		{name: "syntax", data: "algorithms: [\n", message: "invalid YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.yaml", []byte(tt.data))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			if tt.message != "" {
				assert.ErrorContains(t, err, tt.message)
			}
			assert.Contains(t, err.Error(), "test.yaml")
		})
	}
}

func TestLoadTypedView(t *testing.T) {
	doc, err := Load(filepath.Join(repoRecipes, "resnet50_medium.yaml"))
	require.NoError(t, err)
	require.NoError(t, doc.DecodeErr)

	r := doc.Recipe
	assert.Equal(t, "resnet50_medium.yaml", doc.FileName())
	assert.Equal(t, "decoupled_sgdw", r.OptimizerName())
	assert.Equal(t, []string{"cosine_decay_with_warmup"}, r.SchedulerNames())
	assert.Equal(t, "gpu", r.DeviceName())
	assert.Equal(t, "135ep", r.MaxDuration)
	assert.Equal(t, 1.0, r.ScaleScheduleRatio)
	assert.Equal(t, 2048, r.TrainBatchSize)
	assert.Equal(t, int64(17), r.Seed)

	lr, ok := r.LearningRate()
	require.True(t, ok)
	assert.Equal(t, 2.048, lr)

	name, model := r.ModelBlock()
	assert.Equal(t, "resnet", name)
	assert.Equal(t, "resnet50", model.ModelName)
	assert.Equal(t, 1000, model.NumClasses)
	assert.Contains(t, model.Initializers, "kaiming_normal")

	assert.Contains(t, r.AlgorithmNames(), "sam")
	assert.Contains(t, r.AlgorithmNames(), "channels_last")

	train := r.TrainDataset["imagenet"]
	require.NotNil(t, train.IsTrain)
	assert.True(t, *train.IsTrain)
	val := r.ValDataset["imagenet"]
	require.NotNil(t, val.IsTrain)
	assert.False(t, *val.IsTrain)

	assert.Equal(t, []string{"/datasets/ImageNet/ffcv"}, r.FFCVDirs())

	require.NotNil(t, r.Dataloader)
	assert.Equal(t, 8, r.Dataloader.NumWorkers)
}

func TestParseKeepsTypeErrorsForValidation(t *testing.T) {
	doc, err := Parse("typed.yaml", []byte("train_batch_size: lots\nseed: 3\n"))
	require.NoError(t, err)
	assert.Error(t, doc.DecodeErr)
	assert.Equal(t, "lots", doc.Mapping["train_batch_size"])
}

func TestLookup(t *testing.T) {
	doc, err := Parse("lookup.yaml", []byte("algorithms:\n  sam:\n    rho: 0.5\nseed: 1\n"))
	require.NoError(t, err)

	n := doc.Lookup("algorithms.sam.rho")
	require.NotNil(t, n)
	assert.Equal(t, yaml.ScalarNode, n.Kind)
	assert.Equal(t, "0.5", n.Value)
	assert.Equal(t, 3, n.Line)

	assert.Nil(t, doc.Lookup("algorithms.mixup.alpha"))
	assert.Nil(t, doc.Lookup("seed.value"))
}
