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
	"context"

	"github.com/sensorrig/rig/pkg/config"
	"github.com/sensorrig/rig/pkg/control"
	"github.com/sensorrig/rig/pkg/fanout"
	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/processing"
	"github.com/sensorrig/rig/pkg/recorder"
	"github.com/sensorrig/rig/pkg/relay"
	"github.com/sensorrig/rig/pkg/sink"
	"github.com/sensorrig/rig/pkg/source"
	"github.com/sensorrig/rig/pkg/stats"
	"github.com/sensorrig/rig/pkg/types"
	"github.com/sensorrig/rig/pkg/uploader"
)

const (
	branchRecorder   = "recorder"
	branchRelay      = "relay"
	branchProcessing = "processing"

	detectorGrid      = 8
	detectorThreshold = 0.85
)

// pipeline is one sensor's chain of workers:
// source -> distributor -> {recorder [-> processing], relay}
type pipeline struct {
	name      string
	status    func() recorder.Status
	relayPath string
	owner     func() (string, bool)

	// sources stop first on shutdown, stages drain after them
	sources  []worker
	stages   []worker
	services []worker
}

type pipelineParams[T any] struct {
	name         string
	sourceBuffer int
	source       source.Source[T]
	recorder     *config.RecorderConfig
	relay        *config.RelayConfig
	sink         recorder.Sink[T]
	encoder      relay.Encoder[T]
	outputType   types.OutputType
	extension    string
	forward      chan<- T
}

func buildPipeline[T any](s *Server, p pipelineParams[T]) (*pipeline, *stats.PipelineStats, error) {
	observer := s.monitor.Pipeline(p.name)
	pl := &pipeline{name: p.name}

	frames := make(chan T, p.sourceBuffer)
	pl.sources = append(pl.sources, worker{
		name: "source",
		run: func(ctx context.Context) error {
			return p.source.Run(ctx, frames)
		},
	})

	recorderBranch, err := branchConfig(branchRecorder, p.recorder.Branch)
	if err != nil {
		return nil, nil, err
	}
	branches := []fanout.BranchConfig{recorderBranch}
	if p.relay.Enabled {
		relayBranch, err := branchConfig(branchRelay, p.relay.Branch)
		if err != nil {
			return nil, nil, err
		}
		branches = append(branches, relayBranch)
	}

	d, err := fanout.New[T](frames, branches,
		fanout.WithObserver[T](observer),
		fanout.WithLogger[T](logger.GetLogger().WithValues("pipeline", p.name)),
	)
	if err != nil {
		return nil, nil, err
	}
	pl.stages = append(pl.stages, worker{name: "distributor", run: d.Run})

	commands := control.NewCommandChannel(p.name, s.conf.Control.QueueSize)
	s.router.Add(commands, &control.PathGenerator{
		Dir:       p.recorder.OutputDir,
		Prefix:    p.recorder.FilePrefix,
		Extension: p.extension,
	})

	opts := []recorder.Option[T]{
		recorder.WithName[T](p.name),
		recorder.WithSinkErrorPolicy[T](recorder.SinkErrorPolicy(p.recorder.OnSinkError)),
		recorder.WithObserver[T](observer),
		recorder.WithOnSessionClosed[T](s.onSessionClosed(p.recorder, p.outputType)),
	}
	if p.forward != nil {
		opts = append(opts, recorder.WithForward[T](p.forward))
	}
	rec := recorder.New[T](d.Branch(branchRecorder).C(), commands.C(), p.sink, opts...)
	pl.status = rec.Status
	pl.stages = append(pl.stages, worker{
		name: "recorder",
		run:  consume(d.Branch(branchRecorder), rec.Run),
	})

	if p.relay.Enabled {
		srv := relay.NewServer[T](p.name, p.relay, d.Branch(branchRelay).C(), p.encoder,
			relay.WithObserver[T](observer),
		)
		srv.Register(s.relayMuxFor(p.relay.Address))
		pl.relayPath = p.relay.Path
		pl.owner = srv.Owner
		pl.services = append(pl.services, worker{
			name: "relay",
			run:  consume(d.Branch(branchRelay), srv.Run),
		})
	}

	return pl, observer, nil
}

func (s *Server) buildCamera(conf *config.CameraConfig) (*pipeline, error) {
	var src source.Source[types.ImageFrame]
	switch conf.Source.Type {
	case config.SourceDirectory:
		src = &source.DirWatcher{Dir: conf.Source.Directory, Remove: conf.Source.Remove}
	default:
		src = &source.SyntheticCamera{Width: conf.Width, Height: conf.Height, FPS: conf.FPS}
	}

	var forward chan types.ImageFrame
	if conf.Processing.Enabled {
		forward = make(chan types.ImageFrame)
	}

	params := pipelineParams[types.ImageFrame]{
		name:         config.PipelineCamera,
		sourceBuffer: conf.SourceBuffer,
		source:       src,
		recorder:     &conf.Recorder,
		relay:        &conf.Relay,
		sink: sink.NewVideoSink(sink.VideoParams{
			Width:  conf.Width,
			Height: conf.Height,
			FPS:    conf.FPS,
		}, s.encoderFactory),
		encoder:    relay.ImageEncoder{},
		outputType: types.OutputTypeMP4,
		extension:  ".mp4",
		forward:    forward,
	}

	pl, observer, err := buildPipeline(s, params)
	if err != nil {
		return nil, err
	}

	if forward != nil {
		if err = addProcessing(pl, observer, forward, conf.Processing.Branch); err != nil {
			return nil, err
		}
	}
	return pl, nil
}

// addProcessing hands frames the recorder has seen to a detector, through a
// single-branch distributor so the configured backpressure policy applies.
func addProcessing(pl *pipeline, observer *stats.PipelineStats, frames <-chan types.ImageFrame, conf config.BranchConfig) error {
	bc, err := branchConfig(branchProcessing, conf)
	if err != nil {
		return err
	}
	d, err := fanout.New[types.ImageFrame](frames, []fanout.BranchConfig{bc},
		fanout.WithObserver[types.ImageFrame](observer),
		fanout.WithLogger[types.ImageFrame](logger.GetLogger().WithValues("pipeline", pl.name)),
	)
	if err != nil {
		return err
	}

	detector := processing.BrightnessDetector{Grid: detectorGrid, Threshold: detectorThreshold}
	stage := processing.NewStage[types.ImageFrame, processing.Region](pl.name, d.Branch(branchProcessing).C(), detector, conf.Capacity)
	stage.SetObserver(observer)

	pl.stages = append(pl.stages,
		worker{name: "processing distributor", run: d.Run},
		worker{name: "processing", run: consume(d.Branch(branchProcessing), stage.Run)},
		worker{name: "detections", run: logDetections(pl.name, stage.Output())},
	)
	return nil
}

func (s *Server) buildIMU(conf *config.IMUConfig) (*pipeline, error) {
	pl, _, err := buildPipeline(s, pipelineParams[types.IMUSample]{
		name:         config.PipelineIMU,
		sourceBuffer: conf.SourceBuffer,
		source:       &source.SyntheticIMU{Rate: conf.Rate},
		recorder:     &conf.Recorder,
		relay:        &conf.Relay,
		sink:         sink.NewRowSink[types.IMUSample](),
		encoder:      relay.RecordEncoder[types.IMUSample]{},
		outputType:   types.OutputTypeCSV,
		extension:    ".csv",
	})
	return pl, err
}

func branchConfig(name string, conf config.BranchConfig) (fanout.BranchConfig, error) {
	policy, err := fanout.ParsePolicy(conf.Policy)
	if err != nil {
		return fanout.BranchConfig{}, err
	}
	return fanout.BranchConfig{
		Name:     name,
		Capacity: conf.Capacity,
		Policy:   policy,
	}, nil
}

// consume runs a branch consumer and detaches it from the distributor when
// the consumer returns.
func consume[T any](b *fanout.Branch[T], run func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		defer b.Detach()
		return run(ctx)
	}
}

func logDetections[D any](name string, detections <-chan types.Detections[D]) func(ctx context.Context) error {
	l := logger.GetLogger().WithValues("pipeline", name)
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case d, ok := <-detections:
				if !ok {
					return nil
				}
				if len(d.Items) > 0 {
					l.Debugw("detections", "timestamp", d.Timestamp, "count", len(d.Items))
				}
			}
		}
	}
}

func (s *Server) onSessionClosed(conf *config.RecorderConfig, outputType types.OutputType) func(recorder.Session) {
	return func(session recorder.Session) {
		if s.queue == nil || !conf.Upload {
			return
		}
		s.queue.Enqueue(&uploader.Job{
			Pipeline:    session.Pipeline,
			SessionID:   session.ID,
			LocalPath:   session.Path,
			OutputType:  outputType,
			StartedAt:   session.StartedAt,
			EndedAt:     session.EndedAt,
			Frames:      session.Frames,
			DeleteAfter: conf.DeleteAfterUpload,
		})
	}
}
