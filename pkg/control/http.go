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

package control

import (
	"encoding/json"
	"net/http"

	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/types"
)

// HTTPHandler accepts signals as JSON posted to /record/{pipeline}.
type HTTPHandler struct {
	router *Router
}

func NewHTTPHandler(router *Router) *HTTPHandler {
	return &HTTPHandler{router: router}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /record/{pipeline}", h.handleRecord)
}

type recordResponse struct {
	Pipeline string       `json:"pipeline"`
	Signal   types.Signal `json:"signal"`
}

func (h *HTTPHandler) handleRecord(w http.ResponseWriter, r *http.Request) {
	pipeline := r.PathValue("pipeline")
	if !h.router.Has(pipeline) {
		http.Error(w, errors.ErrUnknownPipeline(pipeline).Error(), http.StatusNotFound)
		return
	}

	sig, err := types.DecodeSignal(r.Body)
	if err != nil {
		logger.Debugw("rejected signal", "pipeline", pipeline, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err = h.router.Send(pipeline, sig); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, errors.ErrCommandQueueFull), errors.Is(err, errors.ErrControllerGone):
			status = http.StatusServiceUnavailable
		case errors.Is(err, errors.ErrMalformedSignal):
			status = http.StatusBadRequest
		}
		logger.Warnw("could not queue signal", err, "pipeline", pipeline)
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(recordResponse{Pipeline: pipeline, Signal: sig})
}
