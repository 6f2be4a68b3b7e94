package processing

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/types"
)

func TestStage(t *testing.T) {
	input := make(chan types.ImageFrame, 3)
	input <- types.ImageFrame{Data: []byte{1}, Timestamp: time.Second}
	input <- types.ImageFrame{Data: nil, Timestamp: 2 * time.Second}
	input <- types.ImageFrame{Data: []byte{1, 2}, Timestamp: 3 * time.Second}
	close(input)

	detector := DetectorFunc[types.ImageFrame, int](func(_ context.Context, f types.ImageFrame) ([]int, error) {
		if f.Data == nil {
			return nil, errors.New("empty frame")
		}
		return []int{len(f.Data)}, nil
	})

	stage := NewStage[types.ImageFrame, int]("camera", input, detector, 4)
	require.NoError(t, stage.Run(context.Background()))

	var results []types.Detections[int]
	for d := range stage.Output() {
		results = append(results, d)
	}
	require.Equal(t, []types.Detections[int]{
		{Timestamp: time.Second, Items: []int{1}},
		{Timestamp: 3 * time.Second, Items: []int{2}},
	}, results)
}

func TestStageCancel(t *testing.T) {
	input := make(chan types.ImageFrame)
	stage := NewStage[types.ImageFrame, Region]("camera", input, BrightnessDetector{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, stage.Run(ctx), context.Canceled)
	_, ok := <-stage.Output()
	require.False(t, ok)
}

func TestBrightnessDetector(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	// top left quadrant is white
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))

	regions, err := BrightnessDetector{Grid: 2, Threshold: 0.9}.Detect(context.Background(), types.ImageFrame{Data: buf.Bytes()})
	require.NoError(t, err)
	require.Len(t, regions, 1)
	require.Equal(t, 0, regions[0].X)
	require.Equal(t, 0, regions[0].Y)
	require.Equal(t, 32, regions[0].Width)

	_, err = BrightnessDetector{}.Detect(context.Background(), types.ImageFrame{Data: []byte("not a jpeg")})
	require.Error(t, err)
}
