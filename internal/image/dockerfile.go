// Package image builds and verifies the training container image.
//
// The image contract is small: dependencies from the manifest are installed,
// and the training entrypoint plus the recipes directory are copied into a
// fixed working directory. This package renders the Dockerfile for that
// contract, assembles the build context, drives the build through the Docker
// Engine API and checks a built image against the contract.
package image

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"
	"text/template"

	"github.com/tsingmao/xwtrain/internal/config"
)

// Paths inside the build context. Sources are copied to these locations
// wherever they live on the host.
const (
	ContextDockerfile = "Dockerfile"
	ContextManifest   = "docker/requirements.txt"
	ContextDockerDir  = "docker"
	ContextRecipesDir = "recipes"
)

// Build arguments understood by the Dockerfile.
const (
	ArgBaseImage      = "BASE_IMAGE"
	ArgDebianFrontend = "DEBIAN_FRONTEND"
)

// DockerfileParams parameterizes the rendered Dockerfile.
type DockerfileParams struct {
	// WorkDir is the image working directory holding the entrypoint and recipes.
	WorkDir string

	// DebianFrontend is the default of the DEBIAN_FRONTEND build argument.
	DebianFrontend string

	// Entrypoint is the file name of the training entrypoint (e.g., "train.py").
	Entrypoint string
}

// DefaultDockerfileParams returns the parameters of the checked-in Dockerfile.
func DefaultDockerfileParams() DockerfileParams {
	return DockerfileParams{
		WorkDir:        config.DefaultWorkDir,
		DebianFrontend: config.DefaultDebianFrontend,
		Entrypoint:     "train.py",
	}
}

// Validate checks that the parameters produce a usable Dockerfile.
func (p DockerfileParams) Validate() error {
	if p.WorkDir == "" || !path.IsAbs(p.WorkDir) {
		return fmt.Errorf("workdir must be an absolute path: %q", p.WorkDir)
	}
	if p.DebianFrontend == "" {
		return fmt.Errorf("DEBIAN_FRONTEND default is required")
	}
	if p.Entrypoint == "" || strings.ContainsAny(p.Entrypoint, "/\\") {
		return fmt.Errorf("entrypoint must be a file name: %q", p.Entrypoint)
	}
	return nil
}

var dockerfileTemplate = template.Must(template.New("Dockerfile").Parse(`# Training image for the ResNet recipes.
#
# Build:  xwtrain build --base-image <image>
# Train:  composer -n <gpus> {{ .Entrypoint }} -f recipes/<recipe>.yaml
ARG BASE_IMAGE
FROM ${BASE_IMAGE}

ARG DEBIAN_FRONTEND={{ .DebianFrontend }}

COPY {{ .Manifest }} /tmp/requirements.txt
RUN pip install --no-cache-dir -r /tmp/requirements.txt

WORKDIR {{ .WorkDir }}
COPY {{ .DockerDir }}/{{ .Entrypoint }} {{ .Entrypoint }}
COPY {{ .RecipesDir }}/ {{ .RecipesDir }}/
`))

// RenderDockerfile renders the Dockerfile for the image contract.
//
// BASE_IMAGE has no default and must be passed at build time; DEBIAN_FRONTEND
// defaults to p.DebianFrontend.
//
// Parameters:
//   - p: Working directory, DEBIAN_FRONTEND default and entrypoint name
//
// Returns:
//   - Dockerfile content
//   - Error if the parameters are invalid
func RenderDockerfile(p DockerfileParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err := dockerfileTemplate.Execute(&buf, map[string]string{
		"DebianFrontend": p.DebianFrontend,
		"Manifest":       ContextManifest,
		"WorkDir":        p.WorkDir,
		"DockerDir":      ContextDockerDir,
		"Entrypoint":     p.Entrypoint,
		"RecipesDir":     ContextRecipesDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

// CheckDockerfile reports whether the file at path matches the rendering of p.
func CheckDockerfile(path string, p DockerfileParams) (bool, error) {
	want, err := RenderDockerfile(p)
	if err != nil {
		return false, err
	}
	got, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read Dockerfile: %w", err)
	}
	return bytes.Equal(got, want), nil
}
