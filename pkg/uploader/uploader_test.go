package uploader

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sensorrig/rig/pkg/config"
	"github.com/sensorrig/rig/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testObserver struct {
	mu      sync.Mutex
	uploads int
	failed  int
	backup  int
	dropped int
}

func (o *testObserver) OnUpload(_ string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads++
	if err != nil {
		o.failed++
	}
}

func (o *testObserver) OnBackupUsed(string) {
	o.mu.Lock()
	o.backup++
	o.mu.Unlock()
}

func (o *testObserver) OnUploadDropped(string) {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func writeFile(t *testing.T, dir, name, body string) string {
	filename := path.Join(dir, name)
	require.NoError(t, os.WriteFile(filename, []byte(body), 0644))
	return filename
}

func TestLocalUpload(t *testing.T) {
	src := writeFile(t, t.TempDir(), "imu-1.csv", "1,2,3\n")
	dest := t.TempDir()

	o := &testObserver{}
	u, err := New(&config.StorageConfig{Prefix: dest}, nil, o)
	require.NoError(t, err)

	location, size, err := u.Upload(context.Background(), src, "imu/imu-1.csv", types.OutputTypeCSV, true)
	require.NoError(t, err)
	require.Equal(t, path.Join(dest, "imu/imu-1.csv"), location)
	require.Equal(t, int64(6), size)
	require.Equal(t, 1, o.uploads)

	b, err := os.ReadFile(location)
	require.NoError(t, err)
	require.Equal(t, "1,2,3\n", string(b))

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}

func TestBackupUpload(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "camera-1.mp4", "video")
	// a regular file where the primary wants a directory
	blocker := writeFile(t, dir, "blocker", "")
	dest := t.TempDir()

	o := &testObserver{}
	u, err := New(
		&config.StorageConfig{Prefix: path.Join(blocker, "primary")},
		&config.StorageConfig{Prefix: dest},
		o,
	)
	require.NoError(t, err)

	location, _, err := u.Upload(context.Background(), src, "camera/camera-1.mp4", types.OutputTypeMP4, false)
	require.NoError(t, err)
	require.Equal(t, path.Join(dest, "camera/camera-1.mp4"), location)
	require.Equal(t, 1, o.failed)
	require.Equal(t, 1, o.backup)

	_, err = os.Stat(src)
	require.NoError(t, err)
}

func TestUploadFailure(t *testing.T) {
	u, err := New(&config.StorageConfig{Prefix: t.TempDir()}, nil, nil)
	require.NoError(t, err)

	_, _, err = u.Upload(context.Background(), path.Join(t.TempDir(), "missing.csv"), "missing.csv", types.OutputTypeCSV, false)
	require.Error(t, err)
}

func TestQueue(t *testing.T) {
	src := writeFile(t, t.TempDir(), "imu-1.csv", "1,2,3\n")
	dest := t.TempDir()

	u, err := New(&config.StorageConfig{Prefix: dest}, nil, nil)
	require.NoError(t, err)

	q := NewQueue(u, 4, "node", nil)
	done := make(chan struct{})
	go func() {
		q.Run(context.Background())
		close(done)
	}()

	started := time.Unix(100, 0)
	require.True(t, q.Enqueue(&Job{
		Pipeline:   "imu",
		SessionID:  "s1",
		LocalPath:  src,
		OutputType: types.OutputTypeCSV,
		StartedAt:  started,
		EndedAt:    started.Add(time.Second),
		Frames:     1,
	}))
	q.Close()
	<-done

	_, err = os.Stat(path.Join(dest, "imu/imu-1.csv"))
	require.NoError(t, err)

	b, err := os.ReadFile(path.Join(dest, "imu/imu-1.json"))
	require.NoError(t, err)

	var m Manifest
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, "s1", m.SessionID)
	require.Equal(t, "node", m.NodeID)
	require.Equal(t, uint64(1), m.Frames)
	require.Equal(t, started.Add(time.Second).UnixNano(), m.EndedAt)
	require.Len(t, m.Files, 1)
	require.Equal(t, "imu-1.csv", m.Files[0].Filename)
}

func TestQueueFull(t *testing.T) {
	o := &testObserver{}
	q := NewQueue(nil, 1, "node", o)

	require.True(t, q.Enqueue(&Job{Pipeline: "imu", LocalPath: "a.csv"}))
	require.False(t, q.Enqueue(&Job{Pipeline: "imu", LocalPath: "b.csv"}))
	require.Equal(t, 1, q.Len())
	require.Equal(t, 1, o.dropped)

	// cancelled before the worker starts, so nothing reaches the nil storage
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Close()
	q.Run(ctx)
}
