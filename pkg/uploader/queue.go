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

package uploader

import (
	"context"
	"os"
	"path"
	"strings"
	"time"

	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/types"
)

// Job is a closed recording waiting to be uploaded.
type Job struct {
	Pipeline    string
	SessionID   string
	LocalPath   string
	OutputType  types.OutputType
	StartedAt   time.Time
	EndedAt     time.Time
	Frames      uint64
	DeleteAfter bool
}

type Storage interface {
	Upload(ctx context.Context, localFilepath, storageFilepath string, outputType types.OutputType, deleteAfterUpload bool) (string, int64, error)
}

type QueueObserver interface {
	OnUploadDropped(pipeline string)
}

// Queue uploads jobs one at a time. Enqueue never blocks: when the queue is
// full the new job is dropped and its file stays on disk.
type Queue struct {
	storage  Storage
	nodeID   string
	jobs     chan *Job
	observer QueueObserver
}

func NewQueue(storage Storage, size int, nodeID string, observer QueueObserver) *Queue {
	return &Queue{
		storage:  storage,
		nodeID:   nodeID,
		jobs:     make(chan *Job, size),
		observer: observer,
	}
}

func (q *Queue) Enqueue(job *Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		logger.Warnw("upload queue full, keeping recording locally", nil,
			"pipeline", job.Pipeline,
			"path", job.LocalPath,
		)
		if q.observer != nil {
			q.observer.OnUploadDropped(job.Pipeline)
		}
		return false
	}
}

func (q *Queue) Len() int {
	return len(q.jobs)
}

// Close stops accepting jobs. Run returns once the backlog is drained.
func (q *Queue) Close() {
	close(q.jobs)
}

func (q *Queue) Run(ctx context.Context) {
	for job := range q.jobs {
		if ctx.Err() != nil {
			logger.Infow("upload skipped, shutting down", "path", job.LocalPath)
			continue
		}
		q.process(ctx, job)
	}
}

func (q *Queue) process(ctx context.Context, job *Job) {
	l := logger.GetLogger().WithValues("pipeline", job.Pipeline, "sessionID", job.SessionID)

	manifest := NewManifest(job, q.nodeID)
	filename := path.Base(job.LocalPath)
	storagePath := path.Join(job.Pipeline, filename)

	location, size, err := q.storage.Upload(ctx, job.LocalPath, storagePath, job.OutputType, job.DeleteAfter)
	if err != nil {
		l.Errorw("failed to upload recording", err, "path", job.LocalPath)
		return
	}
	manifest.AddFile(filename, location, size)
	l.Infow("recording uploaded", "location", location, "size", size)

	b, err := manifest.Close(job.EndedAt)
	if err != nil {
		l.Errorw("failed to encode manifest", err)
		return
	}

	manifestPath := strings.TrimSuffix(job.LocalPath, path.Ext(job.LocalPath)) + ".json"
	if err = os.WriteFile(manifestPath, b, 0644); err != nil {
		l.Errorw("failed to write manifest", err)
		return
	}
	if _, _, err = q.storage.Upload(ctx, manifestPath, strings.TrimSuffix(storagePath, path.Ext(storagePath))+".json", types.OutputTypeJSON, true); err != nil {
		l.Errorw("failed to upload manifest", err)
	}
}
