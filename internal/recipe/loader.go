package recipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tsingmao/xwtrain/internal/logger"
)

// IsRecipeFile reports whether a file name has a recipe extension.
func IsRecipeFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// RecipeFiles lists the recipe files directly inside dir, sorted by name.
// Hidden files are skipped.
func RecipeFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipes directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !IsRecipeFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ExpandPaths turns a list of files and directories into recipe files.
// Directories contribute their recipe files; files are taken as given.
func ExpandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		dirFiles, err := RecipeFiles(p)
		if err != nil {
			return nil, err
		}
		files = append(files, dirFiles...)
	}
	return files, nil
}

// LoadDir loads every recipe in dir concurrently.
//
// Parameters:
//   - ctx: Cancels loading of files not yet started
//   - dir: Recipes directory
//   - parallelism: Maximum number of files parsed at once
//
// Returns:
//   - Successfully parsed documents, sorted by file name
//   - Every per-file error combined into one, or nil
func LoadDir(ctx context.Context, dir string, parallelism int) ([]*Document, error) {
	files, err := RecipeFiles(dir)
	if err != nil {
		return nil, err
	}

	docs := make([]*Document, len(files))
	var (
		mu   sync.Mutex
		errs error
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallelism, 1))
	for i, file := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := Load(file)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	loaded := docs[:0]
	for _, d := range docs {
		if d != nil {
			loaded = append(loaded, d)
		}
	}
	logger.Debug("Loaded %d of %d recipe(s) from %s", len(loaded), len(files), dir)
	return loaded, errs
}

// ValidateFiles validates files concurrently and returns one report per file
// in input order.
func (v *Validator) ValidateFiles(ctx context.Context, files []string, parallelism int) ([]*Report, error) {
	reports := make([]*Report, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallelism, 1))
	for i, file := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			reports[i] = v.ValidateFile(file)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
