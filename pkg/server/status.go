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

package server

import (
	"encoding/json"
	"net/http"

	"github.com/sensorrig/rig/pkg/control"
	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/recorder"
	"github.com/sensorrig/rig/pkg/relay"
	"github.com/sensorrig/rig/version"
)

type Status struct {
	NodeID       string           `json:"node_id"`
	Version      string           `json:"version"`
	ShuttingDown bool             `json:"shutting_down"`
	CPULoad      float64          `json:"cpu_load"`
	UploadQueue  int              `json:"upload_queue"`
	Pipelines    []PipelineStatus `json:"pipelines"`
}

type PipelineStatus struct {
	Name     string          `json:"name"`
	Recorder recorder.Status `json:"recorder"`
	Relay    *RelayStatus    `json:"relay,omitempty"`
}

type RelayStatus struct {
	Path  string `json:"path"`
	Owner string `json:"owner,omitempty"`
}

func (s *Server) Status() *Status {
	status := &Status{
		NodeID:       s.conf.NodeID,
		Version:      version.Version,
		ShuttingDown: s.IsShuttingDown(),
		CPULoad:      s.monitor.GetCPULoad(),
		Pipelines:    make([]PipelineStatus, 0, len(s.pipelines)),
	}
	if s.queue != nil {
		status.UploadQueue = s.queue.Len()
	}

	for _, p := range s.pipelines {
		ps := PipelineStatus{
			Name:     p.name,
			Recorder: p.status(),
		}
		if p.owner != nil {
			ps.Relay = &RelayStatus{Path: p.relayPath}
			if owner, ok := p.owner(); ok {
				ps.Relay.Owner = owner
			}
		}
		status.Pipelines = append(status.Pipelines, ps)
	}
	return status
}

// Handler serves the health port: status, liveness and http control.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("/ping", relay.PingHandler)
	if s.conf.Control.HTTP {
		control.NewHTTPHandler(s.router).Register(mux)
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	b, err := json.Marshal(s.Status())
	if err != nil {
		logger.Errorw("failed to read status", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.IsShuttingDown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
