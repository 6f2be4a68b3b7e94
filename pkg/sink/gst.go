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
	"fmt"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"

	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/logger"
)

const defaultEOSTimeout = time.Second * 10

var gstInit sync.Once

// GstEncoder muxes JPEG frames into an mp4 file:
// appsrc ! jpegdec ! videoconvert ! x264enc ! mp4mux ! filesink
type GstEncoder struct {
	filename   string
	pipeline   *gst.Pipeline
	src        *app.Source
	eosTimeout time.Duration
	logger     logger.Logger
}

// NewGstEncoderFactory returns a VideoEncoderFactory that builds a new
// gstreamer pipeline per session.
func NewGstEncoderFactory(eosTimeout time.Duration) VideoEncoderFactory {
	if eosTimeout <= 0 {
		eosTimeout = defaultEOSTimeout
	}
	return func(filename string, params VideoParams) (VideoEncoder, error) {
		return NewGstEncoder(filename, params, eosTimeout)
	}
}

func NewGstEncoder(filename string, params VideoParams, eosTimeout time.Duration) (*GstEncoder, error) {
	gstInit.Do(func() {
		gst.Init(nil)
	})

	pipeline, err := gst.NewPipeline("video_sink")
	if err != nil {
		return nil, errors.ErrGstPipelineError(err)
	}

	src, err := gst.NewElementWithName("appsrc", "video_src")
	if err != nil {
		return nil, errors.ErrGstPipelineError(err)
	}
	src.SetArg("format", "time")
	if err = src.SetProperty("is-live", true); err != nil {
		return nil, errors.ErrGstPipelineError(err)
	}
	if err = src.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"image/jpeg,width=%d,height=%d,framerate=%d/1",
		params.Width, params.Height, params.FPS,
	))); err != nil {
		return nil, errors.ErrGstPipelineError(err)
	}

	elements := []*gst.Element{src}
	for _, name := range []string{"jpegdec", "videoconvert", "x264enc", "mp4mux", "filesink"} {
		e, err := gst.NewElement(name)
		if err != nil {
			return nil, errors.ErrGstPipelineError(err)
		}
		switch name {
		case "x264enc":
			e.SetArg("speed-preset", "veryfast")
			e.SetArg("tune", "zerolatency")
		case "filesink":
			if err = e.SetProperty("location", filename); err != nil {
				return nil, errors.ErrGstPipelineError(err)
			}
		}
		elements = append(elements, e)
	}

	if err = pipeline.AddMany(elements...); err != nil {
		return nil, errors.ErrGstPipelineError(err)
	}
	if err = gst.ElementLinkMany(elements...); err != nil {
		return nil, errors.ErrGstPipelineError(err)
	}
	if err = pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.BlockSetState(gst.StateNull)
		return nil, errors.ErrGstPipelineError(err)
	}

	return &GstEncoder{
		filename:   filename,
		pipeline:   pipeline,
		src:        app.SrcFromElement(src),
		eosTimeout: eosTimeout,
		logger:     logger.GetLogger().WithValues("path", filename),
	}, nil
}

func (e *GstEncoder) WriteFrame(data []byte, pts time.Duration) error {
	b := gst.NewBufferFromBytes(data)
	b.SetPresentationTimestamp(gst.ClockTime(uint64(pts)))
	if flow := e.src.PushBuffer(b); flow != gst.FlowOK {
		return fmt.Errorf("unexpected flow return: %v", flow)
	}
	return nil
}

// Close sends EOS and waits for mp4mux to finalize the file.
func (e *GstEncoder) Close() error {
	defer func() {
		_ = e.pipeline.BlockSetState(gst.StateNull)
	}()

	if flow := e.src.EndStream(); flow != gst.FlowOK && flow != gst.FlowFlushing {
		return fmt.Errorf("unexpected flow return: %v", flow)
	}

	bus := e.pipeline.GetPipelineBus()
	deadline := time.Now().Add(e.eosTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(gst.ClockTime(uint64(50 * time.Millisecond)))
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			e.logger.Debugw("video finalized")
			return nil
		case gst.MessageError:
			gErr := msg.ParseError()
			e.logger.Errorw("video pipeline error", gErr, "debug", gErr.DebugString())
			return gErr
		}
	}

	return errors.ErrPipelineFrozen
}
