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
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/sensorrig/rig/pkg/logger"
)

const namespace = "rig"

// Monitor owns the process's prometheus registry.
type Monitor struct {
	registry *prometheus.Registry
	numCPUs  float64
	idleCPUs atomic.Float64

	promCPULoad prometheus.Gauge

	distributed *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	armed       *prometheus.GaugeVec
	recorded    *prometheus.CounterVec
	sinkErrors  *prometheus.CounterVec
	viewers     *prometheus.GaugeVec
	rejected    *prometheus.CounterVec
	sent        *prometheus.CounterVec
	detections  *prometheus.CounterVec
	failures    *prometheus.CounterVec

	uploadsCounter      *prometheus.CounterVec
	uploadsResponseTime *prometheus.HistogramVec
	backupCounter       *prometheus.CounterVec
	uploadsDropped      *prometheus.CounterVec

	warningThrottle *rate.Sometimes
}

func NewMonitor(nodeID string) *Monitor {
	constLabels := prometheus.Labels{"node_id": nodeID}
	pipeline := []string{"pipeline"}

	counter := func(name, help string, labels []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, pipeline)
	}

	m := &Monitor{
		registry: prometheus.NewRegistry(),
		numCPUs:  float64(runtime.NumCPU()),

		promCPULoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "cpu_load",
			ConstLabels: constLabels,
		}),

		distributed: counter("frames_distributed_total", "frames delivered to every branch", pipeline),
		dropped:     counter("frames_dropped_total", "frames dropped by a lossy branch", []string{"pipeline", "branch"}),
		armed:       gauge("recorder_armed", "1 while a recording session is open"),
		recorded:    counter("frames_recorded_total", "frames written to a recording", pipeline),
		sinkErrors:  counter("sink_errors_total", "recording sink failures", pipeline),
		viewers:     gauge("relay_viewers", "connected relay viewers"),
		rejected:    counter("relay_rejected_total", "relay connections refused because the stream was owned", pipeline),
		sent:        counter("relay_messages_sent_total", "frames sent to relay viewers", pipeline),
		detections:  counter("detections_total", "regions reported by the processing stage", pipeline),
		failures:    counter("processing_failures_total", "frames the processing stage could not analyze", pipeline),

		uploadsCounter: counter("uploads_total", "number of uploads with type and status labels", []string{"type", "status"}),
		uploadsResponseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "upload_response_time_ms",
			Help:        "A histogram of latencies for upload requests in milliseconds.",
			Buckets:     []float64{10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 15000, 20000, 30000},
			ConstLabels: constLabels,
		}, []string{"type", "status"}),
		backupCounter:  counter("backup_storage_writes_total", "number of writes to backup storage location by output type", []string{"output_type"}),
		uploadsDropped: counter("uploads_dropped_total", "recordings kept locally because the upload queue was full", pipeline),

		warningThrottle: &rate.Sometimes{Interval: time.Minute},
	}

	memory := newMemoryReader()
	promMemory := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "node",
		Name:        "memory_working_set_bytes",
		Help:        "cgroup memory usage excluding inactive file cache",
		ConstLabels: constLabels,
	}, func() float64 {
		ws, err := memory.workingSet()
		if err != nil {
			return 0
		}
		return float64(ws)
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.promCPULoad, promMemory,
		m.distributed, m.dropped,
		m.armed, m.recorded, m.sinkErrors,
		m.viewers, m.rejected, m.sent,
		m.detections, m.failures,
		m.uploadsCounter, m.uploadsResponseTime, m.backupCounter, m.uploadsDropped,
	)

	return m
}

// RegisterQueueGauge exposes the length of the upload backlog.
func (m *Monitor) RegisterQueueGauge(length func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upload_queue_length",
		Help:      "number of recordings waiting for upload",
	}, length))
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}),
	)
}

func (m *Monitor) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Run samples cpu load every second until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	prev, err := cpu.Get()
	if err != nil {
		logger.Warnw("cpu stats unavailable", err)
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := cpu.Get()
			if err != nil || next.Total == prev.Total {
				continue
			}
			idlePercent := float64(next.Idle-prev.Idle) / float64(next.Total-prev.Total)
			m.idleCPUs.Store(m.numCPUs * idlePercent)
			m.promCPULoad.Set(1 - idlePercent)

			if idlePercent < 0.1 {
				m.warningThrottle.Do(func() { logger.Infow("high cpu load", "load", 1-idlePercent) })
			}

			prev = next
		}
	}
}

func (m *Monitor) GetCPULoad() float64 {
	return (m.numCPUs - m.idleCPUs.Load()) / m.numCPUs * 100
}

func (m *Monitor) OnUpload(outputType string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	labels := prometheus.Labels{"type": outputType, "status": status}
	m.uploadsCounter.With(labels).Inc()
	m.uploadsResponseTime.With(labels).Observe(float64(elapsed.Milliseconds()))
}

func (m *Monitor) OnBackupUsed(outputType string) {
	m.backupCounter.With(prometheus.Labels{"output_type": outputType}).Inc()
}

func (m *Monitor) OnUploadDropped(pipeline string) {
	m.uploadsDropped.WithLabelValues(pipeline).Inc()
}
