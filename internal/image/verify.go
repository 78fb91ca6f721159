package image

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"

	"github.com/tsingmao/xwtrain/internal/logger"
)

// VerifyOptions is the image contract to check.
type VerifyOptions struct {
	// WorkDir is the expected image working directory.
	WorkDir string

	// Entrypoint is the expected entrypoint file name inside WorkDir.
	Entrypoint string

	// Recipes are the expected files of WorkDir/recipes, relative to it.
	Recipes []string
}

// VerifyResult reports what was found in the image.
type VerifyResult struct {
	Image   string   `json:"image"`
	WorkDir string   `json:"workdir"`
	Files   []string `json:"files"`

	EntrypointFound bool     `json:"entrypoint_found"`
	Recipes         []string `json:"recipes"`
	Missing         []string `json:"missing,omitempty"`
	Unexpected      []string `json:"unexpected,omitempty"`

	// Problems lists every contract violation in readable form.
	Problems []string `json:"problems,omitempty"`
}

// OK reports whether the image satisfies the contract.
func (r *VerifyResult) OK() bool {
	return len(r.Problems) == 0
}

// Verifier checks built images against the image contract.
type Verifier struct {
	api DockerAPI
}

// NewVerifier creates a verifier on top of a Docker client.
func NewVerifier(api DockerAPI) *Verifier {
	return &Verifier{api: api}
}

// Verify checks that an image's working directory holds the entrypoint and
// exactly the expected recipe files.
//
// A container is created from the image but never started; its working
// directory is copied out as a tar stream. The container is always removed.
//
// Parameters:
//   - ctx: Context for cancellation
//   - image: Image reference or ID
//   - opts: Expected working directory, entrypoint and recipe files
//
// Returns:
//   - Result listing what was found and every violation
//   - Error only if the daemon calls fail
func (v *Verifier) Verify(ctx context.Context, image string, opts VerifyOptions) (*VerifyResult, error) {
	created, err := v.api.ContainerCreate(ctx, &container.Config{
		Image:  image,
		// Never started; a command only keeps the daemon from rejecting
		// images without CMD.
		Cmd:    []string{"true"},
		Labels: map[string]string{LabelRuntime: "verify"},
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container from %s: %w", image, err)
	}
	defer func() {
		rmCtx := context.WithoutCancel(ctx)
		if err := v.api.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove verification container %s: %v", shortID(created.ID), err)
		}
	}()

	inspect, err := v.api.ContainerInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	result := &VerifyResult{Image: image}
	if inspect.Config != nil {
		result.WorkDir = inspect.Config.WorkingDir
	}
	if path.Clean("/"+result.WorkDir) != path.Clean("/"+opts.WorkDir) || result.WorkDir == "" {
		result.Problems = append(result.Problems,
			fmt.Sprintf("working directory is %q, expected %q", result.WorkDir, opts.WorkDir))
		return result, nil
	}

	reader, _, err := v.api.CopyFromContainer(ctx, created.ID, result.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s from container: %w", result.WorkDir, err)
	}
	defer reader.Close()

	files, err := listTar(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from container: %w", result.WorkDir, err)
	}
	result.Files = files

	found := make(map[string]bool)
	for _, f := range files {
		if f == opts.Entrypoint {
			result.EntrypointFound = true
		}
		if rel, ok := strings.CutPrefix(f, ContextRecipesDir+"/"); ok {
			result.Recipes = append(result.Recipes, rel)
			found[rel] = true
		}
	}
	if !result.EntrypointFound {
		result.Problems = append(result.Problems,
			fmt.Sprintf("entrypoint %s not found in %s", opts.Entrypoint, result.WorkDir))
	}

	expected := make(map[string]bool)
	for _, r := range opts.Recipes {
		expected[r] = true
		if !found[r] {
			result.Missing = append(result.Missing, r)
		}
	}
	for _, r := range result.Recipes {
		if !expected[r] {
			result.Unexpected = append(result.Unexpected, r)
		}
	}
	if len(result.Missing) > 0 {
		result.Problems = append(result.Problems, "recipes missing from image: "+strings.Join(result.Missing, ", "))
	}
	if len(result.Unexpected) > 0 {
		result.Problems = append(result.Problems, "unexpected recipes in image: "+strings.Join(result.Unexpected, ", "))
	}

	logger.Debug("Verified %s: %d file(s) in %s, %d problem(s)", image, len(files), result.WorkDir, len(result.Problems))
	return result, nil
}

// listTar returns the regular files of a tar stream copied from a container,
// relative to the copied directory. The daemon prefixes entries with the
// base name of the copied path.
func listTar(r io.Reader) ([]string, error) {
	tr := tar.NewReader(r)
	var files []string
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !h.FileInfo().Mode().IsRegular() {
			continue
		}
		name := strings.TrimPrefix(path.Clean(h.Name), "/")
		if _, rest, ok := strings.Cut(name, "/"); ok {
			files = append(files, rest)
		}
	}
	sort.Strings(files)
	return files, nil
}
