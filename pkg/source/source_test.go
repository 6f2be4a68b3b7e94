package source

import (
	"bytes"
	"context"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sensorrig/rig/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSyntheticCamera(t *testing.T) {
	cam := &SyntheticCamera{Width: 64, Height: 48, FPS: 100}
	out := make(chan types.ImageFrame)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- cam.Run(ctx, out)
	}()

	first := <-out
	second := <-out
	require.Greater(t, second.Timestamp, first.Timestamp)

	img, err := jpeg.Decode(bytes.NewReader(first.Data))
	require.NoError(t, err)
	require.Equal(t, 64, img.Bounds().Dx())
	require.Equal(t, 48, img.Bounds().Dy())

	cancel()
	require.NoError(t, <-done)
	for range out {
	}
}

func TestSyntheticIMU(t *testing.T) {
	imu := &SyntheticIMU{Rate: 200}
	out := make(chan types.IMUSample)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- imu.Run(ctx, out)
	}()

	for i := 0; i < 3; i++ {
		s := <-out
		var norm float64
		for _, v := range s.Quat {
			norm += float64(v) * float64(v)
		}
		require.InDelta(t, 1, norm, 1e-5)
	}

	cancel()
	require.NoError(t, <-done)
	for range out {
	}
}

func TestRotation(t *testing.T) {
	require.Equal(t, [4]float32{1, 0, 0, 0}, Rotation(0))
	q := Rotation(math.Pi)
	require.InDelta(t, 0, q[0], 1e-6)
	require.InDelta(t, 1, q[3], 1e-6)
}

func TestDirWatcher(t *testing.T) {
	dir := t.TempDir()
	w := &DirWatcher{Dir: dir, Remove: true}
	out := make(chan types.ImageFrame, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, out)
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	staging := t.TempDir()
	write := func(name string, data []byte) {
		tmp := filepath.Join(staging, name)
		require.NoError(t, os.WriteFile(tmp, data, 0644))
		require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
	}
	write("notes.txt", []byte("ignored"))
	write("0001.jpg", []byte{0xff, 0xd8})

	select {
	case frame := <-out:
		require.Equal(t, []byte{0xff, 0xd8}, frame.Data)
		require.NotZero(t, frame.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from directory")
	}

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "0001.jpg"))
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
	_, err := os.Stat(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)
}
