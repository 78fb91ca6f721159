package runtime

import (
	"time"
)

// Container labels identifying training runs.
const (
	LabelRuntime = "xwtrain.runtime"
	LabelRecipe  = "xwtrain.recipe"
	LabelRunID   = "xwtrain.run_id"
	LabelImage   = "xwtrain.image"

	// RuntimeTrain is the LabelRuntime value of training containers.
	RuntimeTrain = "train"
)

// AllGPUs requests every GPU on the host.
const AllGPUs = -1

// CreateParams contains the parameters of one training run.
type CreateParams struct {
	// RunID identifies the run. Generated from the recipe name when empty.
	RunID string

	// Image is the training image built by "xwtrain build".
	Image string

	// Recipe is the recipe file name inside the image's recipes directory.
	Recipe string

	// Entrypoint is the training script inside WorkDir (e.g., "train.py").
	Entrypoint string

	// WorkDir is the image working directory.
	WorkDir string

	// Processes is passed to "composer -n". Zero leaves the launcher default.
	Processes int

	// GPUs is the number of GPUs requested from the container runtime:
	// AllGPUs, zero for none, or a count.
	GPUs int

	// DataDir is a host directory bind-mounted at every DataMounts path.
	DataDir string

	// DataMounts are container paths the recipe reads datasets from
	// (the ffcv_dir values of its datasets).
	DataMounts []string

	// ShmSize is the shared memory size in bytes (0 keeps the Docker default).
	ShmSize int64

	// Environment is added to the container environment.
	Environment map[string]string
}

// Run is a training container.
type Run struct {
	ID          string    `json:"id"`
	ContainerID string    `json:"container_id"`
	Image       string    `json:"image"`
	Recipe      string    `json:"recipe"`
	State       RunState  `json:"state"`
	Status      string    `json:"status,omitempty"`
	ExitCode    int       `json:"exit_code"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// RunState is the lifecycle state of a training run.
type RunState string

const (
	StateCreated   RunState = "created"
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
	StateUnknown   RunState = "unknown"
)
