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

package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineStats observes one pipeline's distributor, recorder, relay and
// processing stage.
type PipelineStats struct {
	name string

	distributed prometheus.Counter
	armed       prometheus.Gauge
	recorded    prometheus.Counter
	sinkErrors  prometheus.Counter
	viewers     prometheus.Gauge
	rejected    prometheus.Counter
	sent        prometheus.Counter
	detections  prometheus.Counter
	failures    prometheus.Counter
	dropped     *prometheus.CounterVec
}

func (m *Monitor) Pipeline(name string) *PipelineStats {
	return &PipelineStats{
		name:        name,
		distributed: m.distributed.WithLabelValues(name),
		armed:       m.armed.WithLabelValues(name),
		recorded:    m.recorded.WithLabelValues(name),
		sinkErrors:  m.sinkErrors.WithLabelValues(name),
		viewers:     m.viewers.WithLabelValues(name),
		rejected:    m.rejected.WithLabelValues(name),
		sent:        m.sent.WithLabelValues(name),
		detections:  m.detections.WithLabelValues(name),
		failures:    m.failures.WithLabelValues(name),
		dropped:     m.dropped,
	}
}

func (p *PipelineStats) OnDistributed() {
	p.distributed.Inc()
}

func (p *PipelineStats) OnDropped(branch string) {
	p.dropped.WithLabelValues(p.name, branch).Inc()
}

func (p *PipelineStats) OnArmed(armed bool) {
	if armed {
		p.armed.Set(1)
	} else {
		p.armed.Set(0)
	}
}

func (p *PipelineStats) OnRecorded() {
	p.recorded.Inc()
}

func (p *PipelineStats) OnSinkError() {
	p.sinkErrors.Inc()
}

func (p *PipelineStats) OnAccepted() {
	p.viewers.Inc()
}

func (p *PipelineStats) OnRejected() {
	p.rejected.Inc()
}

func (p *PipelineStats) OnSent() {
	p.sent.Inc()
}

func (p *PipelineStats) OnDisconnected() {
	p.viewers.Dec()
}

func (p *PipelineStats) OnProcessed(detections int) {
	p.detections.Add(float64(detections))
}

func (p *PipelineStats) OnFailed() {
	p.failures.Inc()
}
