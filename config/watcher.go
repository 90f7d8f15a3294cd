package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/utils"
)

// FileSettings serves Settings from a JSON file and streams every change made to it. With an
// empty path it only holds settings in memory.
type FileSettings struct {
	path    string
	logger  logging.Logger
	watcher *fsnotify.Watcher
	workers utils.StoppableWorkers

	mu          sync.Mutex
	current     Settings
	subscribers map[string]chan Settings
}

// NewFileSettings loads `path`, falling back to `initial` for a missing file or missing fields,
// and starts watching it.
func NewFileSettings(path string, initial Settings, logger logging.Logger) (*FileSettings, error) {
	fs := &FileSettings{
		logger:      logger,
		current:     initial.Normalized(),
		subscribers: map[string]chan Settings{},
	}
	fs.workers = utils.NewStoppableWorkers()
	if path == "" {
		return fs, nil
	}
	fs.path = filepath.Clean(path)

	if loaded, err := readSettings(fs.path, fs.current); err == nil {
		fs.current = loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating settings watcher")
	}
	// Editors usually replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(fs.path)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "watching %s", fs.path), watcher.Close())
	}
	fs.watcher = watcher
	fs.workers.AddWorkers(fs.watch)
	return fs, nil
}

func readSettings(path string, base Settings) (Settings, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return base, errors.Wrapf(err, "parsing settings file %s", path)
	}
	settings, err := decodeSettings(raw, base)
	if err != nil {
		return base, errors.Wrapf(err, "parsing settings file %s", path)
	}
	return settings, nil
}

// decodeSettings overlays `raw` on `base`. Hand edited files often quote numbers or write
// booleans as 0/1, so values are converted loosely; unknown keys are an error.
func decodeSettings(raw map[string]interface{}, base Settings) (Settings, error) {
	settings := base
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &settings,
	})
	if err != nil {
		return base, err
	}
	if err := decoder.Decode(raw); err != nil {
		return base, err
	}
	return settings.Normalized(), nil
}

func (fs *FileSettings) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warnw("settings watcher error", "error", err)
		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fs.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			fs.reload()
		}
	}
}

func (fs *FileSettings) reload() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	settings, err := readSettings(fs.path, fs.current)
	if err != nil {
		// Partially written files show up here; the next write event picks up the rest.
		fs.logger.Debugw("keeping previous settings", "error", err)
		return
	}
	fs.publishLocked(settings)
}

// must be called with fs.mu held.
func (fs *FileSettings) publishLocked(settings Settings) {
	if settings == fs.current {
		return
	}
	fs.current = settings
	fs.logger.Infow("settings changed", "settings", settings)
	for _, ch := range fs.subscribers {
		// Only the latest value matters to a slow reader.
		select {
		case <-ch:
		default:
		}
		ch <- settings
	}
}

// Current returns the latest settings.
func (fs *FileSettings) Current() Settings {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.current
}

// Subscribe returns a channel receiving every later change until `ctx` is done, after which the
// channel is closed. A reader that falls behind only sees the latest value.
func (fs *FileSettings) Subscribe(ctx context.Context) <-chan Settings {
	id := uuid.NewString()
	ch := make(chan Settings, 1)
	fs.mu.Lock()
	fs.subscribers[id] = ch
	fs.mu.Unlock()

	fs.workers.AddWorkers(func(workersCtx context.Context) {
		select {
		case <-ctx.Done():
		case <-workersCtx.Done():
		}
		fs.mu.Lock()
		delete(fs.subscribers, id)
		fs.mu.Unlock()
		close(ch)
	})
	return ch
}

// Store replaces the settings. With a backing file the file is rewritten and the change reaches
// subscribers through the watcher; otherwise subscribers are notified directly.
func (fs *FileSettings) Store(settings Settings) error {
	settings = settings.Normalized()
	if fs.path == "" {
		fs.mu.Lock()
		fs.publishLocked(settings)
		fs.mu.Unlock()
		return nil
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	//nolint:gosec
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, fs.path), "replacing %s", fs.path)
}

// Close stops watching and closes every subscription.
func (fs *FileSettings) Close() error {
	fs.workers.Stop()
	if fs.watcher == nil {
		return nil
	}
	return fs.watcher.Close()
}
