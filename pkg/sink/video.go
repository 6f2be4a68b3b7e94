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

package sink

import (
	"os"
	"path"
	"time"

	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/types"
)

const DefaultFPS = 30

type VideoParams struct {
	Width  int
	Height int
	FPS    int
}

// VideoEncoder appends encoded frames to one container file.
type VideoEncoder interface {
	WriteFrame(data []byte, pts time.Duration) error
	Close() error
}

type VideoEncoderFactory func(filename string, params VideoParams) (VideoEncoder, error)

// VideoSink writes image frames into a fixed frame rate container. Frame
// timing comes from the frame index, not the capture timestamp, so the
// output plays back at the configured rate.
type VideoSink struct {
	params  VideoParams
	factory VideoEncoderFactory

	path  string
	enc   VideoEncoder
	index int64
}

func NewVideoSink(params VideoParams, factory VideoEncoderFactory) *VideoSink {
	if params.FPS <= 0 {
		params.FPS = DefaultFPS
	}
	return &VideoSink{
		params:  params,
		factory: factory,
	}
}

func (s *VideoSink) IsArmed() bool {
	return s.enc != nil
}

func (s *VideoSink) Start(filename string) error {
	if dir := path.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.ErrSinkOpen(filename, err)
		}
	}

	enc, err := s.factory(filename, s.params)
	if err != nil {
		return errors.ErrSinkOpen(filename, err)
	}

	s.path = filename
	s.enc = enc
	s.index = 0
	return nil
}

func (s *VideoSink) Record(frame types.ImageFrame) error {
	if s.enc == nil {
		return nil
	}

	if err := s.enc.WriteFrame(frame.Data, s.pts(s.index)); err != nil {
		return errors.ErrSinkWrite(s.path, err)
	}
	s.index++
	return nil
}

func (s *VideoSink) Stop() error {
	if s.enc == nil {
		return nil
	}

	enc := s.enc
	s.enc = nil
	if err := enc.Close(); err != nil {
		return errors.ErrSinkClose(s.path, err)
	}
	return nil
}

func (s *VideoSink) pts(index int64) time.Duration {
	return time.Duration(index) * time.Second / time.Duration(s.params.FPS)
}
