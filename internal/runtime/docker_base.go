// Package runtime runs training containers from a built image.
package runtime

import (
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tsingmao/xwtrain/internal/logger"
)

// ContainerAPI is the part of the Docker Engine client used for training
// containers. *client.Client satisfies it.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
}

// NewDockerClient creates a Docker client and checks that the daemon answers.
//
// The client is configured from the environment (DOCKER_HOST,
// DOCKER_TLS_VERIFY, DOCKER_CERT_PATH) and negotiates the API version with
// the daemon.
//
// Returns:
//   - Connected Docker client
//   - Error if the client cannot be created or the daemon is unreachable
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Verify Docker daemon connectivity with 5-second timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("Docker daemon is not accessible: %w", err)
	}

	logger.Debug("Connected to Docker daemon at %s (API %s)", cli.DaemonHost(), cli.ClientVersion())
	return cli, nil
}

// DockerRuntime manages training containers.
//
// Runs are identified by labels on their containers, so the runtime keeps no
// state of its own: every call queries the daemon.
type DockerRuntime struct {
	api ContainerAPI
}

// NewDockerRuntime creates a runtime on top of a Docker client.
func NewDockerRuntime(api ContainerAPI) *DockerRuntime {
	return &DockerRuntime{api: api}
}

var runIDUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// NewRunID derives a run ID from a recipe file name and a timestamp,
// e.g. "resnet50_medium-20221006-134501".
func NewRunID(recipe string, now time.Time) string {
	stem := strings.TrimSuffix(path.Base(recipe), path.Ext(recipe))
	stem = strings.Trim(runIDUnsafe.ReplaceAllString(stem, "-"), "-._")
	if stem == "" {
		stem = "run"
	}
	return fmt.Sprintf("%s-%s", stem, now.UTC().Format("20060102-150405"))
}

// Command returns the container command for a training run:
//
//	composer [-n <processes>] <entrypoint> -f recipes/<recipe>
func Command(params *CreateParams) []string {
	cmd := []string{"composer"}
	if params.Processes > 0 {
		cmd = append(cmd, "-n", strconv.Itoa(params.Processes))
	}
	return append(cmd, params.Entrypoint, "-f", path.Join("recipes", params.Recipe))
}

// Create creates (but does not start) a training container.
//
// Parameters:
//   - ctx: Context for cancellation and timeout control
//   - params: Image, recipe, GPU, data and shared memory settings
//
// Returns:
//   - The created run in StateCreated
//   - Error if parameters are invalid or the daemon rejects the container
func (r *DockerRuntime) Create(ctx context.Context, params *CreateParams) (*Run, error) {
	if params.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	if params.Recipe == "" || path.IsAbs(params.Recipe) || strings.HasPrefix(path.Clean(params.Recipe), "..") {
		return nil, fmt.Errorf("recipe must be a file name inside the recipes directory: %q", params.Recipe)
	}
	if params.Entrypoint == "" {
		return nil, fmt.Errorf("entrypoint is required")
	}
	if len(params.DataMounts) > 0 && params.DataDir == "" {
		return nil, fmt.Errorf("recipe reads data from %s but no data directory was given", strings.Join(params.DataMounts, ", "))
	}

	now := time.Now()
	runID := params.RunID
	if runID == "" {
		runID = NewRunID(params.Recipe, now)
	}

	env := make([]string, 0, len(params.Environment))
	for k, v := range params.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	containerConfig := &container.Config{
		Image:      params.Image,
		Cmd:        Command(params),
		WorkingDir: params.WorkDir,
		Env:        env,
		Labels: map[string]string{
			LabelRuntime: RuntimeTrain,
			LabelRecipe:  params.Recipe,
			LabelRunID:   runID,
			LabelImage:   params.Image,
		},
	}

	hostConfig := &container.HostConfig{
		ShmSize: params.ShmSize,
	}
	if params.DataDir != "" {
		for _, target := range params.DataMounts {
			hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
				Type:   mount.TypeBind,
				Source: params.DataDir,
				Target: target,
			})
		}
	}
	if params.GPUs != 0 {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{{
			Count:        params.GPUs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	containerName := "xwtrain-" + runID
	logger.Info("Creating training container %s: %s", containerName, strings.Join(containerConfig.Cmd, " "))

	resp, err := r.api.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		logger.Warn("Docker: %s", w)
	}

	return &Run{
		ID:          runID,
		ContainerID: resp.ID,
		Image:       params.Image,
		Recipe:      params.Recipe,
		State:       StateCreated,
		CreatedAt:   now,
	}, nil
}

// Start starts a created training container.
func (r *DockerRuntime) Start(ctx context.Context, runID string) error {
	run, err := r.find(ctx, runID)
	if err != nil {
		return err
	}

	logger.Info("Starting training container: %s (run: %s)", shortID(run.ContainerID), runID)

	if err := r.api.ContainerStart(ctx, run.ContainerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// Stop stops a running training container.
//
// The trainer receives SIGTERM and has 30 seconds to exit before Docker
// sends SIGKILL. The container is kept so its logs and exit code remain
// available.
func (r *DockerRuntime) Stop(ctx context.Context, runID string) error {
	run, err := r.find(ctx, runID)
	if err != nil {
		return err
	}

	timeout := 30
	logger.Info("Stopping training container: %s (run: %s)", shortID(run.ContainerID), runID)
	if err := r.api.ContainerStop(ctx, run.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove deletes a training container. Running containers are only removed
// when force is set.
func (r *DockerRuntime) Remove(ctx context.Context, runID string, force bool) error {
	run, err := r.find(ctx, runID)
	if err != nil {
		return err
	}

	if err := r.api.ContainerRemove(ctx, run.ContainerID, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	logger.Info("Removed training container: %s (run: %s)", shortID(run.ContainerID), runID)
	return nil
}

// Logs copies the container output to stdout and stderr until the stream
// ends, or until ctx is cancelled when follow is set.
//
// Training containers run without a TTY, so the daemon multiplexes both
// streams and stdcopy separates them.
func (r *DockerRuntime) Logs(ctx context.Context, runID string, follow bool, stdout, stderr io.Writer) error {
	run, err := r.find(ctx, runID)
	if err != nil {
		return err
	}

	reader, err := r.api.ContainerLogs(ctx, run.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       "all",
	})
	if err != nil {
		return fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to read container logs: %w", err)
	}
	return nil
}

// Wait blocks until the training container stops and returns its exit code.
func (r *DockerRuntime) Wait(ctx context.Context, runID string) (int64, error) {
	run, err := r.find(ctx, runID)
	if err != nil {
		return -1, err
	}

	respCh, errCh := r.api.ContainerWait(ctx, run.ContainerID, container.WaitConditionNotRunning)
	select {
	case resp := <-respCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return resp.StatusCode, fmt.Errorf("failed to wait for container: %s", resp.Error.Message)
		}
		return resp.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Get returns a run with its state refreshed from the daemon.
func (r *DockerRuntime) Get(ctx context.Context, runID string) (*Run, error) {
	run, err := r.find(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.refresh(ctx, run)
	return run, nil
}

// List returns every training run on the daemon, newest first.
func (r *DockerRuntime) List(ctx context.Context) ([]*Run, error) {
	runs, err := r.list(ctx, filters.Arg("label", LabelRuntime+"="+RuntimeTrain))
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		r.refresh(ctx, run)
	}
	return runs, nil
}

// refresh updates a run from container inspect data. Inspect failures keep
// the state derived from the container list.
func (r *DockerRuntime) refresh(ctx context.Context, run *Run) {
	inspect, err := r.api.ContainerInspect(ctx, run.ContainerID)
	if err != nil {
		logger.Warn("Failed to inspect container %s (run %s): %v", shortID(run.ContainerID), run.ID, err)
		return
	}

	info := mapContainerState(&inspect)
	run.State = info.State
	run.ExitCode = info.ExitCode
	run.Error = info.ErrorMessage
	run.StartedAt = info.StartedAt
	run.FinishedAt = info.FinishedAt
}

func (r *DockerRuntime) find(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	runs, err := r.list(ctx,
		filters.Arg("label", LabelRuntime+"="+RuntimeTrain),
		filters.Arg("label", LabelRunID+"="+runID),
	)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return runs[0], nil
}

func (r *DockerRuntime) list(ctx context.Context, args ...filters.KeyValuePair) ([]*Run, error) {
	containers, err := r.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(args...),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	runs := make([]*Run, 0, len(containers))
	for _, c := range containers {
		runs = append(runs, &Run{
			ID:          c.Labels[LabelRunID],
			ContainerID: c.ID,
			Image:       c.Image,
			Recipe:      c.Labels[LabelRecipe],
			State:       mapSummaryState(string(c.State)),
			Status:      c.Status,
			CreatedAt:   time.Unix(c.Created, 0),
		})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
