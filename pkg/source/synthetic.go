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

// Package source produces frames for running the rig without sensor
// hardware attached.
package source

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"time"

	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/types"
)

// Source pushes frames into out until ctx is done, then closes out.
type Source[T any] interface {
	Run(ctx context.Context, out chan<- T) error
}

func now() time.Duration {
	return time.Duration(time.Now().UnixNano())
}

// SyntheticCamera renders a moving test pattern as JPEG frames.
type SyntheticCamera struct {
	Width   int
	Height  int
	FPS     int
	Quality int
}

func (c *SyntheticCamera) Run(ctx context.Context, out chan<- types.ImageFrame) error {
	defer close(out)

	fps := c.FPS
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	logger.Infow("synthetic camera started", "width", c.Width, "height", c.Height, "fps", fps)
	img := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	var buf bytes.Buffer
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		c.render(img, n)
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality()}); err != nil {
			return err
		}
		// frames are shared downstream, so each gets its own copy
		frame := types.ImageFrame{
			Data:      bytes.Clone(buf.Bytes()),
			Timestamp: now(),
		}

		select {
		case out <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *SyntheticCamera) quality() int {
	if c.Quality <= 0 {
		return 75
	}
	return c.Quality
}

// render draws vertical color bars with a white bar sweeping across them.
func (c *SyntheticCamera) render(img *image.RGBA, n int) {
	bars := []color.RGBA{
		{192, 192, 192, 255}, {192, 192, 0, 255}, {0, 192, 192, 255}, {0, 192, 0, 255},
		{192, 0, 192, 255}, {192, 0, 0, 255}, {0, 0, 192, 255},
	}
	b := img.Bounds()
	barWidth := b.Dx()/len(bars) + 1
	sweep := (n * 8) % max(b.Dx(), 1)

	for x := b.Min.X; x < b.Max.X; x++ {
		col := bars[(x-b.Min.X)/barWidth]
		if x >= sweep && x < sweep+8 {
			col = color.RGBA{255, 255, 255, 255}
		}
		for y := b.Min.Y; y < b.Max.Y; y++ {
			img.SetRGBA(x, y, col)
		}
	}
}

// SyntheticIMU reports a slow rotation around the vertical axis.
type SyntheticIMU struct {
	Rate int     // samples per second
	Spin float64 // revolutions per second
}

func (s *SyntheticIMU) Run(ctx context.Context, out chan<- types.IMUSample) error {
	defer close(out)

	rate := s.Rate
	if rate <= 0 {
		rate = 100
	}
	spin := s.Spin
	if spin == 0 {
		spin = 0.25
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	logger.Infow("synthetic imu started", "rate", rate)
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		sample := types.IMUSample{
			Quat:      Rotation(2 * math.Pi * spin * time.Since(start).Seconds()),
			Timestamp: types.Timestamp(now()),
		}
		select {
		case out <- sample:
		case <-ctx.Done():
			return nil
		}
	}
}

// Rotation is the unit quaternion (w, x, y, z) for angle radians around z.
func Rotation(angle float64) [4]float32 {
	return [4]float32{
		float32(math.Cos(angle / 2)),
		0,
		0,
		float32(math.Sin(angle / 2)),
	}
}
