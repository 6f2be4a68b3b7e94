// Copyright 2023 LiveKit, Inc.
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
	"bytes"
	"encoding/json"
	"time"

	"github.com/linkdata/deadlock"
)

// Manifest describes one recording session and where its files ended up.
type Manifest struct {
	SessionID string `json:"session_id,omitempty"`
	Pipeline  string `json:"pipeline,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"`
	EndedAt   int64  `json:"ended_at,omitempty"`
	Frames    uint64 `json:"frames"`

	mu    deadlock.Mutex
	Files []*File `json:"files,omitempty"`
}

type File struct {
	Filename string `json:"filename,omitempty"`
	Location string `json:"location,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

func NewManifest(job *Job, nodeID string) *Manifest {
	return &Manifest{
		SessionID: job.SessionID,
		Pipeline:  job.Pipeline,
		NodeID:    nodeID,
		StartedAt: job.StartedAt.UnixNano(),
		Frames:    job.Frames,
	}
}

func (m *Manifest) AddFile(filename, location string, size int64) {
	m.mu.Lock()
	m.Files = append(m.Files, &File{
		Filename: filename,
		Location: location,
		Size:     size,
	})
	m.mu.Unlock()
}

func (m *Manifest) Close(endedAt time.Time) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EndedAt = endedAt.UnixNano()

	buf := bytes.NewBuffer(nil)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
