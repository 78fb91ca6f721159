package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainer struct {
	id       string
	name     string
	created  int64
	config   *container.Config
	host     *container.HostConfig
	running  bool
	exited   bool
	exitCode int
	removed  bool
}

// fakeEngine is an in-memory stand-in for the Docker daemon.
type fakeEngine struct {
	containers []*fakeContainer
	stdout     string
	stderr     string
	stopped    []string
	clock      int64
}

func (f *fakeEngine) get(id string) (*fakeContainer, error) {
	for _, c := range f.containers {
		if c.id == id && !c.removed {
			return c, nil
		}
	}
	return nil, fmt.Errorf("No such container: %s", id)
}

func (f *fakeEngine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.clock++
	c := &fakeContainer{
		id:      fmt.Sprintf("%064d", len(f.containers)+1),
		name:    containerName,
		created: 1665000000 + f.clock,
		config:  config,
		host:    hostConfig,
	}
	f.containers = append(f.containers, c)
	return container.CreateResponse{ID: c.id}, nil
}

func (f *fakeEngine) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.running = true
	return nil
}

func (f *fakeEngine) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.running, c.exited, c.exitCode = false, true, 143
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if c.running && !options.Force {
		return fmt.Errorf("cannot remove a running container")
	}
	c.removed = true
	return nil
}

func (f *fakeEngine) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	c, err := f.get(id)
	if err != nil {
		return container.InspectResponse{}, err
	}
	state := &container.State{ExitCode: c.exitCode, StartedAt: "0001-01-01T00:00:00Z", FinishedAt: "0001-01-01T00:00:00Z"}
	switch {
	case c.running:
		state.Status = "running"
		state.Running = true
		state.StartedAt = "2022-10-06T13:45:01.123456789Z"
	case c.exited:
		state.Status = "exited"
		state.StartedAt = "2022-10-06T13:45:01.123456789Z"
		state.FinishedAt = "2022-10-06T15:00:00Z"
	default:
		state.Status = "created"
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: c.id, Name: "/" + c.name, State: state},
		Config:            c.config,
	}, nil
}

func (f *fakeEngine) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	want := options.Filters.Get("label")
	var out []container.Summary
	for _, c := range f.containers {
		if c.removed || !hasLabels(c.config.Labels, want) {
			continue
		}
		s := container.Summary{ID: c.id, Image: c.config.Image, Labels: c.config.Labels, Created: c.created}
		switch {
		case c.running:
			s.State = "running"
			s.Status = "Up 5 minutes"
		case c.exited:
			s.State = "exited"
			s.Status = fmt.Sprintf("Exited (%d) 1 minute ago", c.exitCode)
		default:
			s.State = "created"
			s.Status = "Created"
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeEngine) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	respCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	c, err := f.get(id)
	if err != nil {
		errCh <- err
		return respCh, errCh
	}
	c.running, c.exited = false, true
	respCh <- container.WaitResponse{StatusCode: int64(c.exitCode)}
	return respCh, errCh
}

func hasLabels(labels map[string]string, want []string) bool {
	for _, kv := range want {
		k, v, _ := strings.Cut(kv, "=")
		if labels[k] != v {
			return false
		}
	}
	return true
}

func testParams() *CreateParams {
	return &CreateParams{
		RunID:       "resnet50_medium-20221006-134501",
		Image:       "xwtrain/resnet:latest",
		Recipe:      "resnet50_medium.yaml",
		Entrypoint:  "train.py",
		WorkDir:     "/workspace",
		Processes:   8,
		GPUs:        AllGPUs,
		DataDir:     "/mnt/imagenet",
		DataMounts:  []string{"/datasets/ImageNet/ffcv"},
		ShmSize:     16 << 30,
		Environment: map[string]string{"WANDB_MODE": "offline", "NCCL_DEBUG": "WARN"},
	}
}

func TestCommand(t *testing.T) {
	p := testParams()
	assert.Equal(t, []string{"composer", "-n", "8", "train.py", "-f", "recipes/resnet50_medium.yaml"}, Command(p))

	p.Processes = 0
	assert.Equal(t, []string{"composer", "train.py", "-f", "recipes/resnet50_medium.yaml"}, Command(p))
}

func TestNewRunID(t *testing.T) {
	now := time.Date(2022, 10, 6, 13, 45, 1, 0, time.UTC)
	assert.Equal(t, "resnet50_medium-20221006-134501", NewRunID("resnet50_medium.yaml", now))
	assert.Equal(t, "resnet50-hot-copy-20221006-134501", NewRunID("ablations/resnet50 hot (copy).yaml", now))
	assert.Equal(t, "run-20221006-134501", NewRunID(".yaml", now))
}

func TestCreate(t *testing.T) {
	engine := &fakeEngine{}
	rt := NewDockerRuntime(engine)

	run, err := rt.Create(context.Background(), testParams())
	require.NoError(t, err)
	assert.Equal(t, StateCreated, run.State)
	assert.Equal(t, "resnet50_medium-20221006-134501", run.ID)

	require.Len(t, engine.containers, 1)
	c := engine.containers[0]
	assert.Equal(t, "xwtrain-resnet50_medium-20221006-134501", c.name)
	assert.Equal(t, "/workspace", c.config.WorkingDir)
	assert.Equal(t, []string{"NCCL_DEBUG=WARN", "WANDB_MODE=offline"}, c.config.Env)
	assert.Equal(t, RuntimeTrain, c.config.Labels[LabelRuntime])
	assert.Equal(t, "resnet50_medium.yaml", c.config.Labels[LabelRecipe])
	assert.Equal(t, run.ID, c.config.Labels[LabelRunID])

	assert.Equal(t, int64(16<<30), c.host.ShmSize)
	require.Len(t, c.host.Mounts, 1)
	assert.Equal(t, mount.Mount{Type: mount.TypeBind, Source: "/mnt/imagenet", Target: "/datasets/ImageNet/ffcv"}, c.host.Mounts[0])
	require.Len(t, c.host.DeviceRequests, 1)
	assert.Equal(t, AllGPUs, c.host.DeviceRequests[0].Count)
	assert.Equal(t, [][]string{{"gpu"}}, c.host.DeviceRequests[0].Capabilities)
}

func TestCreateWithoutGPUs(t *testing.T) {
	engine := &fakeEngine{}
	p := testParams()
	p.GPUs = 0
	p.DataMounts = nil
	p.DataDir = ""

	_, err := NewDockerRuntime(engine).Create(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, engine.containers[0].host.DeviceRequests)
	assert.Empty(t, engine.containers[0].host.Mounts)
}

func TestCreateRejectsInvalidParams(t *testing.T) {
	tests := map[string]func(p *CreateParams){
		"no image":           func(p *CreateParams) { p.Image = "" },
		"absolute recipe":    func(p *CreateParams) { p.Recipe = "/etc/passwd" },
		"escaping recipe":    func(p *CreateParams) { p.Recipe = "../secrets.yaml" },
		"no entrypoint":      func(p *CreateParams) { p.Entrypoint = "" },
		"data without a dir": func(p *CreateParams) { p.DataDir = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := testParams()
			mutate(p)
			_, err := NewDockerRuntime(&fakeEngine{}).Create(context.Background(), p)
			assert.Error(t, err)
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	engine := &fakeEngine{stdout: "Epoch 1 train 100%\n", stderr: "warning: slow dataloader\n"}
	rt := NewDockerRuntime(engine)
	ctx := context.Background()

	run, err := rt.Create(ctx, testParams())
	require.NoError(t, err)

	require.NoError(t, rt.Start(ctx, run.ID))
	got, err := rt.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.False(t, got.StartedAt.IsZero())
	assert.True(t, got.FinishedAt.IsZero())

	var stdout, stderr bytes.Buffer
	require.NoError(t, rt.Logs(ctx, run.ID, false, &stdout, &stderr))
	assert.Equal(t, "Epoch 1 train 100%\n", stdout.String())
	assert.Equal(t, "warning: slow dataloader\n", stderr.String())

	code, err := rt.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), code)

	got, err = rt.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)

	require.NoError(t, rt.Remove(ctx, run.ID, false))
	_, err = rt.Get(ctx, run.ID)
	assert.ErrorContains(t, err, "run not found")
}

func TestStopAndRemoveRunning(t *testing.T) {
	engine := &fakeEngine{}
	rt := NewDockerRuntime(engine)
	ctx := context.Background()

	run, err := rt.Create(ctx, testParams())
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx, run.ID))

	assert.Error(t, rt.Remove(ctx, run.ID, false), "running containers need force")

	require.NoError(t, rt.Stop(ctx, run.ID))
	got, err := rt.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 143, got.ExitCode)
	assert.Contains(t, got.Error, "code 143")

	require.NoError(t, rt.Remove(ctx, run.ID, true))
}

func TestListNewestFirst(t *testing.T) {
	engine := &fakeEngine{}
	rt := NewDockerRuntime(engine)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		p := testParams()
		p.RunID = id
		_, err := rt.Create(ctx, p)
		require.NoError(t, err)
	}
	// Containers started by something else are ignored.
	_, err := engine.ContainerCreate(ctx, &container.Config{Image: "redis", Labels: map[string]string{}}, &container.HostConfig{}, nil, nil, "cache")
	require.NoError(t, err)

	runs, err := rt.List(ctx)
	require.NoError(t, err)

	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
		assert.Equal(t, StateCreated, r.State)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
	assert.True(t, sort.SliceIsSorted(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) }))
}

func TestMapContainerState(t *testing.T) {
	exited := func(code int, msg string) *container.InspectResponse {
		return &container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{Status: "exited", ExitCode: code, Error: msg},
		}}
	}

	assert.Equal(t, StateSucceeded, mapContainerState(exited(0, "")).State)

	info := mapContainerState(exited(1, "CUDA out of memory"))
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, "Training exited with code 1: CUDA out of memory", info.ErrorMessage)

	dead := &container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{
		State: &container.State{Status: "dead", ExitCode: 137},
	}}
	assert.Equal(t, StateFailed, mapContainerState(dead).State)

	assert.Equal(t, StateUnknown, mapContainerState(&container.InspectResponse{}).State)
}
