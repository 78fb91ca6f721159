package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tsingmao/xwtrain/internal/config"
	"github.com/tsingmao/xwtrain/internal/logger"
)

// Labels written by Build and Verify.
const (
	LabelRuntime = "xwtrain.runtime"
	LabelRecipes = "xwtrain.recipes"
	LabelTrainer = "xwtrain.trainer"
	LabelWorkDir = "xwtrain.workdir"
)

// DockerAPI is the part of the Docker Engine client used to build and verify
// images. *client.Client satisfies it.
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// BuildOptions configures one image build.
type BuildOptions struct {
	// BaseImage is passed as BASE_IMAGE. Required.
	BaseImage string

	// DebianFrontend is passed as DEBIAN_FRONTEND. Empty keeps the
	// Dockerfile default.
	DebianFrontend string

	// Tags applied to the built image.
	Tags []string

	// WorkDir is recorded in the image labels.
	WorkDir string

	NoCache bool
	Pull    bool

	// Labels are merged into the image labels.
	Labels map[string]string
}

// BuildResult describes a finished build.
type BuildResult struct {
	ImageID string
	Tags    []string
	Labels  map[string]string
}

// Builder builds training images through the Docker Engine API.
type Builder struct {
	api DockerAPI
}

// NewBuilder creates a builder on top of a Docker client.
func NewBuilder(api DockerAPI) *Builder {
	return &Builder{api: api}
}

// Build sends the build context to the daemon and streams progress to out.
//
// A failing step (typically the dependency installation) aborts the build
// and the daemon's error message is returned unchanged inside the error.
// Builds are never retried.
//
// Parameters:
//   - ctx: Context for cancellation
//   - bc: Build context from NewBuildContext
//   - opts: Build arguments, tags and labels
//   - out: Progress output (nil discards it)
//
// Returns:
//   - Build result with the image ID reported by the daemon
//   - Error if BASE_IMAGE is missing, the daemon rejects the build or a step fails
func (b *Builder) Build(ctx context.Context, bc *BuildContext, opts BuildOptions, out io.Writer) (*BuildResult, error) {
	if strings.TrimSpace(opts.BaseImage) == "" {
		return nil, fmt.Errorf("base image is required (set --base-image or build.base_image)")
	}
	if bc == nil {
		return nil, fmt.Errorf("build context is required")
	}
	if out == nil {
		out = io.Discard
	}

	frontend := opts.DebianFrontend
	if frontend == "" {
		frontend = config.DefaultDebianFrontend
	}
	baseImage := opts.BaseImage

	labels := map[string]string{
		LabelRecipes: strings.Join(bc.Recipes, ","),
	}
	if opts.WorkDir != "" {
		labels[LabelWorkDir] = opts.WorkDir
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	buildOpts := build.ImageBuildOptions{
		Tags:        opts.Tags,
		Dockerfile:  ContextDockerfile,
		NoCache:     opts.NoCache,
		PullParent:  opts.Pull,
		Remove:      true,
		ForceRemove: true,
		BuildArgs: map[string]*string{
			ArgBaseImage:      &baseImage,
			ArgDebianFrontend: &frontend,
		},
		Labels: labels,
	}

	logger.Info("Building image from %s (context %s, %d recipe(s))", baseImage, bc.HumanSize(), len(bc.Recipes))

	resp, err := b.api.ImageBuild(ctx, bc.Reader(), buildOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	result := &BuildResult{Tags: opts.Tags, Labels: labels}
	aux := func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var id struct {
			ID string `json:"ID"`
		}
		if err := json.Unmarshal(*msg.Aux, &id); err == nil && id.ID != "" {
			result.ImageID = id.ID
		}
	}

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, aux); err != nil {
		return nil, fmt.Errorf("image build failed: %w", err)
	}

	logger.Info("Image built: %s %s", shortID(result.ImageID), strings.Join(opts.Tags, " "))
	return result, nil
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
