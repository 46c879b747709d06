// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tombee/monitord/internal/log"
)

// entityFile is the on-disk layout of an entities file:
//
//	entities:
//	  - id: pump-1
//	    host: 10.0.0.5
//	    port: 502
//	    attributes:
//	      temperature: avg
//	      pressure: max
type entityFile struct {
	Entities []entityEntry `yaml:"entities"`
}

type entityEntry struct {
	ID         string            `yaml:"id"`
	Host       string            `yaml:"host"`
	Port       any               `yaml:"port"`
	Attributes map[string]string `yaml:"attributes"`
}

// ParseEntities decodes an entities document, validating each entry with validate.
// An entry without attributes tracks every attribute with "last".
func ParseEntities(data []byte, validate Validator) ([]TrackedEntity, error) {
	if validate == nil {
		validate = DefaultValidator
	}
	var doc entityFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse entities: %w", err)
	}

	var out []TrackedEntity
	for i, entry := range doc.Entities {
		identity, err := validate(Descriptor{"id": entry.ID, "host": entry.Host, "port": entry.Port})
		if err != nil {
			return nil, fmt.Errorf("entity %d (%q): %w", i, entry.ID, err)
		}
		if len(entry.Attributes) == 0 {
			out = append(out, TrackedEntity{Identity: identity, Function: AggLast})
			continue
		}
		names := make([]string, 0, len(entry.Attributes))
		for name := range entry.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fn := AggregationFunc(entry.Attributes[name])
			if err := fn.Validate(); err != nil {
				return nil, fmt.Errorf("entity %q attribute %q: %w", entry.ID, name, err)
			}
			out = append(out, TrackedEntity{Identity: identity, Attribute: name, Function: fn})
		}
	}
	return out, nil
}

// LoadEntities reads and parses an entities file.
func LoadEntities(path string, validate Validator) ([]TrackedEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entities file: %w", err)
	}
	return ParseEntities(data, validate)
}

// reloadDelay coalesces the bursts of events editors produce for one save.
const reloadDelay = 100 * time.Millisecond

// EntityWatcher reloads a TrackedSet whenever its entities file changes.
// A file that fails to parse leaves the previous set in place.
type EntityWatcher struct {
	path     string
	set      *TrackedSet
	validate Validator
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	reloaded func(n int)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WatchEntities starts watching path. The directory is watched rather than the
// file so that atomic renames are seen.
func WatchEntities(ctx context.Context, path string, set *TrackedSet, validate Validator, logger *slog.Logger) (*EntityWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch path: %w", err)
	}

	w := &EntityWatcher{
		path:     absPath,
		set:      set,
		validate: validate,
		watcher:  fsw,
		logger:   log.WithComponent(logger, "entity-watcher").With(slog.String("path", absPath)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.loop(ctx)
	w.logger.Info("entity watcher started")
	return w, nil
}

// OnReload registers a function called with the new set size after each successful reload.
// It must be set before the first change is observed.
func (w *EntityWatcher) OnReload(fn func(n int)) {
	w.reloaded = fn
}

// Stop ends the watch and waits for the event loop to exit.
func (w *EntityWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		err = w.watcher.Close()
	})
	return err
}

func (w *EntityWatcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("entity watcher stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("entity watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(reloadDelay)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("entity watcher error", log.Error(err))
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *EntityWatcher) reload() {
	entities, err := LoadEntities(w.path, w.validate)
	if err != nil {
		w.logger.Warn("keeping previous tracked entities", log.Error(err))
		return
	}
	w.set.Replace(entities)
	w.logger.Info("tracked entities reloaded", slog.Int("count", len(entities)))
	if w.reloaded != nil {
		w.reloaded(len(entities))
	}
}
