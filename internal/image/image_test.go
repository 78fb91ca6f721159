package image

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryDockerfileIsDefaultRendering(t *testing.T) {
	ok, err := CheckDockerfile(filepath.Join("..", "..", "Dockerfile"), DefaultDockerfileParams())
	require.NoError(t, err)
	assert.True(t, ok, "Dockerfile is out of date; regenerate it with: xwtrain dockerfile --write")
}

func TestRenderDockerfile(t *testing.T) {
	p := DefaultDockerfileParams()
	p.WorkDir = "/opt/train"
	p.Entrypoint = "main.py"

	out, err := RenderDockerfile(p)
	require.NoError(t, err)
	s := string(out)

	assert.Contains(t, s, "ARG BASE_IMAGE\nFROM ${BASE_IMAGE}\n")
	assert.Contains(t, s, "ARG DEBIAN_FRONTEND=noninteractive\n")
	assert.Contains(t, s, "COPY docker/requirements.txt /tmp/requirements.txt\n")
	assert.Contains(t, s, "RUN pip install --no-cache-dir -r /tmp/requirements.txt\n")
	assert.Contains(t, s, "WORKDIR /opt/train\n")
	assert.Contains(t, s, "COPY docker/main.py main.py\n")
	assert.Contains(t, s, "COPY recipes/ recipes/\n")
	assert.NotContains(t, s, "BASE_IMAGE=", "BASE_IMAGE must not have a default")
}

func TestDockerfileParamsValidate(t *testing.T) {
	tests := map[string]DockerfileParams{
		"relative workdir":  {WorkDir: "workspace", DebianFrontend: "noninteractive", Entrypoint: "train.py"},
		"empty frontend":    {WorkDir: "/workspace", Entrypoint: "train.py"},
		"entrypoint is dir": {WorkDir: "/workspace", DebianFrontend: "noninteractive", Entrypoint: "docker/train.py"},
	}
	for name, p := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := RenderDockerfile(p)
			assert.Error(t, err)
		})
	}
}

// buildTree writes a minimal set of build materials and returns the sources.
func buildTree(t *testing.T) BuildSources {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docker"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "recipes", "ablations"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docker", "requirements.txt"), []byte("mosaicml[all]==0.10.1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docker", "train.py"), []byte("print('train')\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "recipes", "resnet50_mild.yaml"), []byte("seed: 1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "recipes", "ablations", "no_sam.yaml"), []byte("seed: 2\n"), 0644))

	dockerfile, err := RenderDockerfile(DefaultDockerfileParams())
	require.NoError(t, err)
	return BuildSources{
		Dockerfile: dockerfile,
		Manifest:   filepath.Join(root, "docker", "requirements.txt"),
		Entrypoint: filepath.Join(root, "docker", "train.py"),
		RecipesDir: filepath.Join(root, "recipes"),
	}
}

func TestNewBuildContext(t *testing.T) {
	bc, err := NewBuildContext(buildTree(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"ablations/no_sam.yaml", "resnet50_mild.yaml"}, bc.Recipes)
	assert.Equal(t, []string{
		"Dockerfile",
		"docker/requirements.txt",
		"docker/train.py",
		"recipes/ablations/no_sam.yaml",
		"recipes/resnet50_mild.yaml",
	}, bc.Files)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(bc.Reader())
	require.NoError(t, err)
	assert.Equal(t, bc.Size(), int64(buf.Len()))
	assert.NotEmpty(t, bc.HumanSize())

	assert.Equal(t, []string{
		"Dockerfile",
		"docker/",
		"docker/requirements.txt",
		"docker/train.py",
		"recipes/",
		"recipes/ablations/",
		"recipes/ablations/no_sam.yaml",
		"recipes/resnet50_mild.yaml",
	}, tarNames(t, buf.Bytes()))
}

func TestNewBuildContextRejectsSymlinks(t *testing.T) {
	src := buildTree(t)
	require.NoError(t, os.Symlink(src.Manifest, filepath.Join(src.RecipesDir, "linked.yaml")))

	_, err := NewBuildContext(src)
	assert.ErrorContains(t, err, "symlink")
}

func TestNewBuildContextErrors(t *testing.T) {
	src := buildTree(t)
	src.Manifest = filepath.Join(t.TempDir(), "missing.txt")
	_, err := NewBuildContext(src)
	assert.ErrorContains(t, err, "dependency manifest")

	src = buildTree(t)
	src.RecipesDir = t.TempDir()
	_, err = NewBuildContext(src)
	assert.ErrorContains(t, err, "has no files")

	src = buildTree(t)
	src.Dockerfile = nil
	_, err = NewBuildContext(src)
	assert.Error(t, err)
}

const buildStreamOK = `{"stream":"Step 1/9 : ARG BASE_IMAGE\n"}
{"stream":"Step 6/9 : RUN pip install --no-cache-dir -r /tmp/requirements.txt\n"}
{"stream":"Successfully installed mosaicml-0.10.1\n"}
{"aux":{"ID":"sha256:4f1c2e9a7b3d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7"}}
{"stream":"Successfully built 4f1c2e9a7b3d\n"}
`

const buildStreamPipFailure = `{"stream":"Step 6/9 : RUN pip install --no-cache-dir -r /tmp/requirements.txt\n"}
{"stream":"ERROR: Could not find a version that satisfies the requirement mosaicml==99.0\n"}
{"errorDetail":{"code":1,"message":"The command '/bin/sh -c pip install --no-cache-dir -r /tmp/requirements.txt' returned a non-zero code: 1"},"error":"The command '/bin/sh -c pip install --no-cache-dir -r /tmp/requirements.txt' returned a non-zero code: 1"}
`

func TestBuild(t *testing.T) {
	bc, err := NewBuildContext(buildTree(t))
	require.NoError(t, err)

	fake := &fakeDocker{buildStream: buildStreamOK}
	var out bytes.Buffer
	res, err := NewBuilder(fake).Build(context.Background(), bc, BuildOptions{
		BaseImage: "mosaicml/pytorch_vision:1.12.1_cu116-python3.9-ubuntu20.04",
		Tags:      []string{"xwtrain/resnet:latest"},
		WorkDir:   "/workspace",
		NoCache:   true,
		Labels:    map[string]string{LabelTrainer: "mosaicml==0.10.1"},
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, "sha256:4f1c2e9a7b3d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7", res.ImageID)
	assert.Contains(t, out.String(), "Successfully installed mosaicml-0.10.1")

	opts := fake.buildOptions
	require.NotNil(t, opts.BuildArgs[ArgBaseImage])
	assert.Equal(t, "mosaicml/pytorch_vision:1.12.1_cu116-python3.9-ubuntu20.04", *opts.BuildArgs[ArgBaseImage])
	require.NotNil(t, opts.BuildArgs[ArgDebianFrontend])
	assert.Equal(t, "noninteractive", *opts.BuildArgs[ArgDebianFrontend])
	assert.Equal(t, []string{"xwtrain/resnet:latest"}, opts.Tags)
	assert.True(t, opts.NoCache)
	assert.False(t, opts.PullParent)
	assert.Equal(t, ContextDockerfile, opts.Dockerfile)
	assert.Equal(t, "ablations/no_sam.yaml,resnet50_mild.yaml", opts.Labels[LabelRecipes])
	assert.Equal(t, "mosaicml==0.10.1", opts.Labels[LabelTrainer])
	assert.Equal(t, "/workspace", opts.Labels[LabelWorkDir])

	assert.Contains(t, tarNames(t, fake.buildContext), "docker/train.py")
}

func TestBuildSurfacesStepFailureVerbatim(t *testing.T) {
	bc, err := NewBuildContext(buildTree(t))
	require.NoError(t, err)

	fake := &fakeDocker{buildStream: buildStreamPipFailure}
	_, err = NewBuilder(fake).Build(context.Background(), bc, BuildOptions{BaseImage: "python:3.9"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "The command '/bin/sh -c pip install --no-cache-dir -r /tmp/requirements.txt' returned a non-zero code: 1")
	assert.Equal(t, 1, fake.buildCalls, "failed builds are not retried")
}

func TestBuildRequiresBaseImage(t *testing.T) {
	bc, err := NewBuildContext(buildTree(t))
	require.NoError(t, err)

	fake := &fakeDocker{}
	_, err = NewBuilder(fake).Build(context.Background(), bc, BuildOptions{BaseImage: "  "}, nil)
	assert.ErrorContains(t, err, "base image is required")
	assert.Zero(t, fake.buildCalls)
}

func TestBuildDaemonError(t *testing.T) {
	bc, err := NewBuildContext(buildTree(t))
	require.NoError(t, err)

	fake := &fakeDocker{buildErr: errors.New("Cannot connect to the Docker daemon")}
	_, err = NewBuilder(fake).Build(context.Background(), bc, BuildOptions{BaseImage: "python:3.9"}, nil)
	assert.ErrorContains(t, err, "Cannot connect to the Docker daemon")
}

func TestVerify(t *testing.T) {
	fake := &fakeDocker{
		workDir: "/workspace",
		workDirTar: tarOf(t,
			"workspace/",
			"workspace/train.py",
			"workspace/recipes/",
			"workspace/recipes/resnet50_hot.yaml",
			"workspace/recipes/resnet50_medium.yaml",
		),
	}

	res, err := NewVerifier(fake).Verify(context.Background(), "xwtrain/resnet:latest", VerifyOptions{
		WorkDir:    "/workspace",
		Entrypoint: "train.py",
		Recipes:    []string{"resnet50_hot.yaml", "resnet50_medium.yaml"},
	})
	require.NoError(t, err)

	assert.True(t, res.OK(), "%v", res.Problems)
	assert.True(t, res.EntrypointFound)
	assert.Equal(t, []string{"resnet50_hot.yaml", "resnet50_medium.yaml"}, res.Recipes)
	assert.Equal(t, "/workspace", fake.copiedPath)
	assert.Equal(t, "xwtrain/resnet:latest", fake.createdConfig.Image)
	assert.Equal(t, []string{"c0ffee0123456789"}, fake.removed)
}

func TestVerifyReportsContractViolations(t *testing.T) {
	fake := &fakeDocker{
		workDir: "/workspace",
		workDirTar: tarOf(t,
			"workspace/",
			"workspace/recipes/",
			"workspace/recipes/resnet50_hot.yaml",
			"workspace/recipes/stale.yaml",
		),
	}

	res, err := NewVerifier(fake).Verify(context.Background(), "img", VerifyOptions{
		WorkDir:    "/workspace",
		Entrypoint: "train.py",
		Recipes:    []string{"resnet50_hot.yaml", "resnet50_mild.yaml"},
	})
	require.NoError(t, err)

	assert.False(t, res.OK())
	assert.False(t, res.EntrypointFound)
	assert.Equal(t, []string{"resnet50_mild.yaml"}, res.Missing)
	assert.Equal(t, []string{"stale.yaml"}, res.Unexpected)
	assert.Len(t, res.Problems, 3)
	assert.Len(t, fake.removed, 1, "container is removed even when checks fail")
}

func TestVerifyWrongWorkDir(t *testing.T) {
	fake := &fakeDocker{workDir: "/"}

	res, err := NewVerifier(fake).Verify(context.Background(), "img", VerifyOptions{WorkDir: "/workspace", Entrypoint: "train.py"})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Problems[0], `expected "/workspace"`)
	assert.Len(t, fake.removed, 1)
}

func TestVerifyCreateFailure(t *testing.T) {
	fake := &fakeDocker{createErr: errors.New("No such image: img")}
	_, err := NewVerifier(fake).Verify(context.Background(), "img", VerifyOptions{WorkDir: "/workspace"})
	assert.ErrorContains(t, err, "No such image")
	assert.Empty(t, fake.removed)
}
