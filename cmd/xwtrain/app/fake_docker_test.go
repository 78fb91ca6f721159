package app

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeContainer struct {
	id       string
	created  int64
	config   *container.Config
	host     *container.HostConfig
	running  bool
	exited   bool
	exitCode int
}

// fakeDocker is an in-memory daemon for command tests.
type fakeDocker struct {
	containers []*fakeContainer
	closed     int

	// buildContext receives the context sent to ImageBuild.
	buildContext []byte
	buildOptions build.ImageBuildOptions

	// imageFiles are the files of the image working directory, relative to it.
	imageFiles []string
}

var _ DockerClient = (*fakeDocker)(nil)

func (f *fakeDocker) Close() error {
	f.closed++
	return nil
}

func (f *fakeDocker) get(id string) (*fakeContainer, error) {
	for _, c := range f.containers {
		if c.id == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("No such container: %s", id)
}

func (f *fakeDocker) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	data, err := io.ReadAll(buildContext)
	if err != nil {
		return build.ImageBuildResponse{}, err
	}
	f.buildContext = data
	f.buildOptions = options
	body := `{"stream":"Step 1/9 : ARG BASE_IMAGE\n"}
{"stream":"Successfully built 4f2a9c1d8e7b\n"}
{"aux":{"ID":"sha256:4f2a9c1d8e7b"}}
`
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	c := &fakeContainer{
		id:      fmt.Sprintf("%064d", len(f.containers)+1),
		created: 1665000000 + int64(len(f.containers)),
		config:  config,
		host:    hostConfig,
	}
	f.containers = append(f.containers, c)
	return container.CreateResponse{ID: c.id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.running = true
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.running, c.exited, c.exitCode = false, true, 143
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	for i, c := range f.containers {
		if c.id == id {
			if c.running && !options.Force {
				return fmt.Errorf("cannot remove a running container")
			}
			f.containers = append(f.containers[:i], f.containers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("No such container: %s", id)
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	c, err := f.get(id)
	if err != nil {
		return container.InspectResponse{}, err
	}
	state := &container.State{ExitCode: c.exitCode, StartedAt: "0001-01-01T00:00:00Z", FinishedAt: "0001-01-01T00:00:00Z"}
	switch {
	case c.running:
		state.Status = "running"
		state.Running = true
		state.StartedAt = "2022-10-06T13:45:01Z"
	case c.exited:
		state.Status = "exited"
		state.StartedAt = "2022-10-06T13:45:01Z"
		state.FinishedAt = "2022-10-06T14:45:01Z"
	default:
		state.Status = "created"
	}

	cfg := *c.config
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/workspace"
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: c.id, State: state},
		Config:            &cfg,
	}, nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	var out []container.Summary
	for _, c := range f.containers {
		match := true
		for _, kv := range options.Filters.Get("label") {
			k, v, _ := strings.Cut(kv, "=")
			if c.config.Labels[k] != v {
				match = false
			}
		}
		if !match {
			continue
		}
		s := container.Summary{ID: c.id, Image: c.config.Image, Labels: c.config.Labels, Created: c.created}
		switch {
		case c.running:
			s.State = "running"
		case c.exited:
			s.State = "exited"
		default:
			s.State = "created"
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
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

func (f *fakeDocker) CopyFromContainer(ctx context.Context, id, srcPath string) (io.ReadCloser, container.PathStat, error) {
	if _, err := f.get(id); err != nil {
		return nil, container.PathStat{}, err
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	base := strings.TrimPrefix(srcPath, "/")
	for _, name := range f.imageFiles {
		content := []byte("x")
		if err := tw.WriteHeader(&tar.Header{Name: base + "/" + name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			return nil, container.PathStat{}, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, container.PathStat{}, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, container.PathStat{}, err
	}
	return io.NopCloser(&buf), container.PathStat{Name: base}, nil
}
