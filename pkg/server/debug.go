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
	"net/http"
	"strconv"
	"time"

	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/pprof"
)

// DebugHandler serves runtime profiles at /pprof/{profile}?timeout=<seconds>&debug=<n>.
func (s *Server) DebugHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /pprof/{profile}", s.handlePProf)
	return mux
}

func (s *Server) handlePProf(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	var debug int
	if v := r.URL.Query().Get("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = time.Duration(secs) * time.Second
	}
	if v := r.URL.Query().Get("debug"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid debug", http.StatusBadRequest)
			return
		}
		debug = d
	}

	b, err := pprof.GetProfileData(r.Context(), r.PathValue("profile"), timeout, debug)
	if err != nil {
		logger.Debugw("failed to read profile", "error", err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(b)
}
