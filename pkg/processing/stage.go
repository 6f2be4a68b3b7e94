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

// Package processing hands frames to analysis collaborators such as marker
// detection or pose estimation. The pipeline never interprets what they find.
package processing

import (
	"context"

	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/types"
)

// Detector finds zero or more items in a frame.
type Detector[T types.Timestamped, D any] interface {
	Detect(ctx context.Context, frame T) ([]D, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc[T types.Timestamped, D any] func(ctx context.Context, frame T) ([]D, error)

func (f DetectorFunc[T, D]) Detect(ctx context.Context, frame T) ([]D, error) {
	return f(ctx, frame)
}

type Observer interface {
	OnProcessed(detections int)
	OnFailed()
}

// Stage runs a detector over every frame of its input and emits results
// correlated by frame timestamp.
type Stage[T types.Timestamped, D any] struct {
	name     string
	input    <-chan T
	detector Detector[T, D]
	output   chan types.Detections[D]
	observer Observer
	logger   logger.Logger
}

func NewStage[T types.Timestamped, D any](name string, input <-chan T, detector Detector[T, D], outputSize int) *Stage[T, D] {
	return &Stage[T, D]{
		name:     name,
		input:    input,
		detector: detector,
		output:   make(chan types.Detections[D], outputSize),
		logger:   logger.GetLogger().WithValues("pipeline", name, "stage", "processing"),
	}
}

func (s *Stage[T, D]) SetObserver(o Observer) {
	s.observer = o
}

// Output is closed when Run returns.
func (s *Stage[T, D]) Output() <-chan types.Detections[D] {
	return s.output
}

// Run processes frames until the input closes (nil) or ctx is done. A failed
// detection is logged and the frame is skipped.
func (s *Stage[T, D]) Run(ctx context.Context) error {
	defer close(s.output)
	s.logger.Infow("processing started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-s.input:
			if !ok {
				s.logger.Infow("processing stopped")
				return nil
			}

			items, err := s.detector.Detect(ctx, frame)
			if err != nil {
				s.logger.Warnw("detection failed", err, "timestamp", frame.TimeStamp())
				if s.observer != nil {
					s.observer.OnFailed()
				}
				continue
			}
			if s.observer != nil {
				s.observer.OnProcessed(len(items))
			}

			select {
			case s.output <- types.Detections[D]{Timestamp: frame.TimeStamp(), Items: items}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
