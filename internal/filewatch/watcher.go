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

// Package filewatch watches a directory of workflow definition YAML
// files and reports create/write events, for "flowengine definitions
// watch" dev-mode hot-reload. Adapted from the teacher's
// internal/controller/filewatcher.Watcher, narrowed to the one event
// shape that command needs: a path that was just written, filtered to
// .yaml/.yml files.
package filewatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches one directory (non-recursively) for workflow
// definition file writes.
type Watcher struct {
	dir     string
	fsw     *fsnotify.Watcher
	changed chan string
	logger  *slog.Logger
}

// New creates a Watcher rooted at dir. The directory must already
// exist.
func New(dir string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatch: create watcher: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("filewatch: resolve %s: %w", dir, err)
	}
	if err := fsw.Add(absDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("filewatch: watch %s: %w", absDir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:     absDir,
		fsw:     fsw,
		changed: make(chan string, 32),
		logger:  logger.With("component", "filewatch", "dir", absDir),
	}, nil
}

// Changed returns a channel of paths that were created or modified,
// filtered to .yaml/.yml files. Closed once Run returns.
func (w *Watcher) Changed() <-chan string { return w.changed }

// Run drains fsnotify events until ctx is cancelled or the underlying
// watcher errors unrecoverably.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.changed)
	defer w.fsw.Close()

	w.logger.Info("watching for definition changes")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !isYAML(ev.Name) {
				continue
			}
			select {
			case w.changed <- ev.Name:
			default:
				w.logger.Warn("changed-file channel full, dropping event", "path", ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
