package recipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tsingmao/xwtrain/internal/logger"
)

// DefaultDebounce is how long Watch waits after the last event for a file
// before reporting it. Editors often write a file in several steps.
const DefaultDebounce = 200 * time.Millisecond

// Watch reports changed recipe files in dir until ctx is cancelled.
//
// onChange is called with the path of a recipe file that was written or
// created (renaming into place creates the new name), once per burst of
// events. Files gone by the end of the burst are skipped. Calls are
// serialized.
//
// Parameters:
//   - ctx: Stops watching when cancelled
//   - dir: Recipes directory
//   - debounce: Quiet period per file (DefaultDebounce if zero)
//   - onChange: Callback for each changed recipe file
//
// Returns:
//   - nil when ctx is cancelled, otherwise the watcher error
func Watch(ctx context.Context, dir string, debounce time.Duration, onChange func(path string)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	logger.Info("Watching %s for recipe changes", dir)

	var (
		mu      sync.Mutex
		timers  = make(map[string]*time.Timer)
		callsMu sync.Mutex
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !recipeChanged(event) {
				continue
			}
			path := filepath.Clean(event.Name)

			mu.Lock()
			if t, exists := timers[path]; exists {
				t.Reset(debounce)
			} else {
				timers[path] = time.AfterFunc(debounce, func() {
					mu.Lock()
					delete(timers, path)
					mu.Unlock()

					if ctx.Err() != nil {
						return
					}
					if _, err := os.Stat(path); err != nil {
						logger.Debug("Skipping %s: %v", path, err)
						return
					}
					callsMu.Lock()
					defer callsMu.Unlock()
					onChange(path)
				})
			}
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("file watcher failed: %w", err)
		}
	}
}

// recipeChanged reports whether an event leaves new recipe content at
// event.Name. Rename and Remove events carry the old name of the file.
func recipeChanged(event fsnotify.Event) bool {
	if !IsRecipeFile(event.Name) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}
