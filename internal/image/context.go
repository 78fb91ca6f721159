package image

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tsingmao/xwtrain/internal/logger"
)

// BuildSources locates the build materials on the host.
type BuildSources struct {
	// Dockerfile is the rendered Dockerfile content.
	Dockerfile []byte

	// Manifest is the dependency manifest (requirements.txt).
	Manifest string

	// Entrypoint is the training entrypoint script.
	Entrypoint string

	// RecipesDir is the directory of recipe documents. It is copied
	// recursively; symlinks are rejected.
	RecipesDir string
}

// BuildContext is an in-memory tar archive ready to send to the daemon.
type BuildContext struct {
	data []byte

	// Files lists the archive entries (regular files only) in archive order.
	Files []string

	// Recipes lists the recipe files relative to the recipes directory.
	Recipes []string
}

// NewBuildContext assembles the build context.
//
// The archive holds the Dockerfile at its root, the manifest and entrypoint
// under docker/, and the recipes directory under recipes/. Entries are
// written in sorted order so the same sources give the same archive layout.
//
// Parameters:
//   - src: Rendered Dockerfile and host paths of the build materials
//
// Returns:
//   - Build context
//   - Error if a source is missing, is a symlink or cannot be read
func NewBuildContext(src BuildSources) (*BuildContext, error) {
	if len(src.Dockerfile) == 0 {
		return nil, fmt.Errorf("Dockerfile content is required")
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	bc := &BuildContext{}

	now := time.Now()
	if err := writeBytes(tw, ContextDockerfile, src.Dockerfile, 0644, now); err != nil {
		return nil, err
	}
	bc.Files = append(bc.Files, ContextDockerfile)

	if err := writeDir(tw, ContextDockerDir, now); err != nil {
		return nil, err
	}
	if err := writeFile(tw, ContextManifest, src.Manifest); err != nil {
		return nil, fmt.Errorf("failed to add dependency manifest: %w", err)
	}
	bc.Files = append(bc.Files, ContextManifest)

	entrypoint := path.Join(ContextDockerDir, filepath.Base(src.Entrypoint))
	if err := writeFile(tw, entrypoint, src.Entrypoint); err != nil {
		return nil, fmt.Errorf("failed to add training entrypoint: %w", err)
	}
	bc.Files = append(bc.Files, entrypoint)

	recipes, err := packDir(tw, src.RecipesDir, ContextRecipesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to add recipes: %w", err)
	}
	if len(recipes) == 0 {
		return nil, fmt.Errorf("recipes directory %s has no files", src.RecipesDir)
	}
	for _, r := range recipes {
		bc.Files = append(bc.Files, path.Join(ContextRecipesDir, r))
	}
	bc.Recipes = recipes

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish build context: %w", err)
	}
	bc.data = buf.Bytes()

	logger.Debug("Build context: %d file(s), %s", len(bc.Files), bc.HumanSize())
	return bc, nil
}

// Reader returns a fresh reader over the archive.
func (c *BuildContext) Reader() io.Reader {
	return bytes.NewReader(c.data)
}

// Size returns the archive size in bytes.
func (c *BuildContext) Size() int64 {
	return int64(len(c.data))
}

// HumanSize returns the archive size for display, e.g. "12 kB".
func (c *BuildContext) HumanSize() string {
	return humanize.Bytes(uint64(c.Size()))
}

func writeBytes(tw *tar.Writer, name string, data []byte, mode int64, modTime time.Time) error {
	err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     mode,
		Typeflag: tar.TypeReg,
		Size:     int64(len(data)),
		ModTime:  modTime,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func writeDir(tw *tar.Writer, name string, modTime time.Time) error {
	err := tw.WriteHeader(&tar.Header{
		Name:     name + "/",
		Mode:     0755,
		Typeflag: tar.TypeDir,
		ModTime:  modTime,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// writeFile copies one regular host file into the archive under name.
func writeFile(tw *tar.Writer, name, hostPath string) error {
	if hostPath == "" {
		return fmt.Errorf("path is required")
	}
	info, err := os.Lstat(hostPath)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("cannot add symlink to build context: %s", hostPath)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", hostPath)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// packDir copies a host directory into the archive under prefix and returns
// the relative paths of the regular files it holds.
func packDir(tw *tar.Writer, dir, prefix string) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("path is required")
	}
	info, err := os.Lstat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	type entry struct {
		rel  string
		info fs.FileInfo
		host string
	}
	var entries []entry
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("cannot add symlink to build context: %s", p)
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{rel: filepath.ToSlash(rel), info: info, host: p})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	var files []string
	for _, e := range entries {
		name := path.Join(prefix, e.rel)
		if e.info.IsDir() {
			if err := writeDir(tw, name, e.info.ModTime()); err != nil {
				return nil, err
			}
			continue
		}
		if err := writeFile(tw, name, e.host); err != nil {
			return nil, err
		}
		files = append(files, e.rel)
	}
	return files, nil
}
