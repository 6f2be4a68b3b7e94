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

package processing

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"

	"github.com/sensorrig/rig/pkg/types"
)

// Region is a rectangle of the frame, in pixels.
type Region struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Score  float64 `json:"score"`
}

// BrightnessDetector reports the grid cells whose mean luma is at least
// Threshold. It stands in for a marker detector when none is attached.
type BrightnessDetector struct {
	Grid      int
	Threshold float64
}

func (d BrightnessDetector) Detect(_ context.Context, frame types.ImageFrame) ([]Region, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, err
	}

	grid := d.Grid
	if grid <= 0 {
		grid = 4
	}
	b := img.Bounds()
	cellW, cellH := b.Dx()/grid, b.Dy()/grid
	if cellW == 0 || cellH == 0 {
		return nil, nil
	}

	var regions []Region
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			cell := image.Rect(
				b.Min.X+gx*cellW, b.Min.Y+gy*cellH,
				b.Min.X+(gx+1)*cellW, b.Min.Y+(gy+1)*cellH,
			)
			if score := meanLuma(img, cell); score >= d.Threshold {
				regions = append(regions, Region{
					X:      cell.Min.X,
					Y:      cell.Min.Y,
					Width:  cellW,
					Height: cellH,
					Score:  score,
				})
			}
		}
	}
	return regions, nil
}

// meanLuma samples every fourth pixel and returns the mean luma in [0, 1].
func meanLuma(img image.Image, r image.Rectangle) float64 {
	var sum float64
	var n int
	for y := r.Min.Y; y < r.Max.Y; y += 4 {
		for x := r.Min.X; x < r.Max.X; x += 4 {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			sum += (0.299*float64(cr) + 0.587*float64(cg) + 0.114*float64(cb)) / 0xffff
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
