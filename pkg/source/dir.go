// Copyright 2025 LiveKit, Inc.
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

package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/types"
)

// DirWatcher turns JPEG files appearing in a directory into frames. Files
// must appear complete, for example by being renamed into place.
type DirWatcher struct {
	Dir    string
	Remove bool // delete each file once read
}

func (d *DirWatcher) Run(ctx context.Context, out chan<- types.ImageFrame) error {
	defer close(out)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err = os.MkdirAll(d.Dir, 0755); err != nil {
		return err
	}
	if err = watcher.Add(d.Dir); err != nil {
		return err
	}
	logger.Infow("watching directory for frames", "dir", d.Dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("directory watcher error", err, "dir", d.Dir)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) || !isJPEG(event.Name) {
				continue
			}

			frame, err := d.read(event.Name)
			if err != nil {
				logger.Warnw("could not read frame", err, "file", event.Name)
				continue
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (d *DirWatcher) read(filename string) (types.ImageFrame, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return types.ImageFrame{}, err
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return types.ImageFrame{}, err
	}
	if d.Remove {
		if err = os.Remove(filename); err != nil {
			logger.Warnw("could not remove frame file", err, "file", filename)
		}
	}

	return types.ImageFrame{
		Data:      data,
		Timestamp: time.Duration(info.ModTime().UnixNano()),
	}, nil
}

func isJPEG(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return true
	default:
		return false
	}
}
