package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sensorrig/rig/pkg/config"
	rigerrors "github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/sink"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingEncoder struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (e *countingEncoder) WriteFrame(_ []byte, _ time.Duration) error {
	e.mu.Lock()
	e.frames++
	e.mu.Unlock()
	return nil
}

func (e *countingEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

type encoderFactory struct {
	mu       sync.Mutex
	encoders []*countingEncoder
	err      error
}

func (f *encoderFactory) create(_ string, _ sink.VideoParams) (sink.VideoEncoder, error) {
	if f.err != nil {
		return nil, f.err
	}
	e := &countingEncoder{}
	f.mu.Lock()
	f.encoders = append(f.encoders, e)
	f.mu.Unlock()
	return e, nil
}

func newTestServer(t *testing.T, body string, opts ...Option) (*Server, chan error) {
	conf, err := config.NewConfig(body)
	require.NoError(t, err)

	srv, err := NewServer(conf, opts...)
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(context.Background())
	}()
	return srv, errChan
}

func post(h http.Handler, target, body string) int {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
	return w.Code
}

func pipelineStatus(srv *Server, name string) PipelineStatus {
	for _, p := range srv.Status().Pipelines {
		if p.Name == name {
			return p
		}
	}
	return PipelineStatus{}
}

func TestIMURecording(t *testing.T) {
	dir := t.TempDir()
	dest := t.TempDir()
	srv, errChan := newTestServer(t, fmt.Sprintf(`
health_port: 0
imu:
  enabled: true
  rate: 200
  recorder:
    output_dir: %s
    upload: true
storage:
  prefix: %s
`, dir, dest))

	h := srv.Handler()
	filename := path.Join(dir, "session.csv")

	require.Equal(t, http.StatusNotFound, post(h, "/record/camera", `{"signal":"end"}`))
	require.Equal(t, http.StatusBadRequest, post(h, "/record/imu", `{"signal":"start"}`))
	require.Equal(t, http.StatusAccepted, post(h, "/record/imu", fmt.Sprintf(`{"signal":"start","path":%q}`, filename)))

	require.Eventually(t, func() bool {
		return pipelineStatus(srv, "imu").Recorder.Frames >= 10
	}, time.Second*5, time.Millisecond*10)
	require.True(t, pipelineStatus(srv, "imu").Recorder.Armed)

	require.Equal(t, http.StatusAccepted, post(h, "/record/imu", `{"signal":"end"}`))
	require.Eventually(t, func() bool {
		return !pipelineStatus(srv, "imu").Recorder.Armed
	}, time.Second*5, time.Millisecond*10)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Len(t, status.Pipelines, 1)
	require.Nil(t, status.Pipelines[0].Relay)

	srv.Shutdown(false)
	require.NoError(t, <-errChan)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	var rows int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		require.Len(t, strings.Split(scanner.Text(), ","), 6)
		rows++
	}
	require.GreaterOrEqual(t, rows, 10)

	// the upload queue drains before Run returns
	_, err = os.Stat(path.Join(dest, "imu", "session.csv"))
	require.NoError(t, err)
	_, err = os.Stat(path.Join(dest, "imu", "session.json"))
	require.NoError(t, err)
}

func TestCameraDrainOnShutdown(t *testing.T) {
	factory := &encoderFactory{}
	srv, errChan := newTestServer(t, fmt.Sprintf(`
health_port: 0
camera:
  enabled: true
  width: 64
  height: 48
  fps: 50
  recorder:
    output_dir: %s
  processing:
    enabled: true
`, t.TempDir()), WithVideoEncoder(factory.create))

	started, err := srv.Router().Start("camera", "")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(started, ".mp4"))

	require.Eventually(t, func() bool {
		return pipelineStatus(srv, "camera").Recorder.Frames >= 5
	}, time.Second*5, time.Millisecond*10)

	// shutting down while armed closes the recording
	srv.Shutdown(false)
	require.NoError(t, <-errChan)

	factory.mu.Lock()
	defer factory.mu.Unlock()
	require.Len(t, factory.encoders, 1)
	require.True(t, factory.encoders[0].closed)
	require.GreaterOrEqual(t, factory.encoders[0].frames, 5)
}

func TestSinkFailureStopsServer(t *testing.T) {
	factory := &encoderFactory{err: errors.New("no encoder")}
	srv, errChan := newTestServer(t, fmt.Sprintf(`
health_port: 0
camera:
  enabled: true
  width: 64
  height: 48
  fps: 50
  recorder:
    output_dir: %s
`, t.TempDir()), WithVideoEncoder(factory.create))

	_, err := srv.Router().Start("camera", "")
	require.NoError(t, err)

	select {
	case err = <-errChan:
		require.True(t, rigerrors.IsFatal(err))
	case <-time.After(time.Second * 5):
		t.Fatal("server did not stop")
	}
}

func TestKill(t *testing.T) {
	srv, errChan := newTestServer(t, `
health_port: 0
imu:
  enabled: true
  relay:
    enabled: true
    address: 127.0.0.1:0
`)

	require.NotNil(t, pipelineStatus(srv, "imu").Relay)
	srv.Shutdown(true)
	require.NoError(t, <-errChan)
}

func TestDebugHandler(t *testing.T) {
	conf, err := config.NewConfig("health_port: 0\nimu: {enabled: true}")
	require.NoError(t, err)
	srv, err := NewServer(conf)
	require.NoError(t, err)

	h := srv.DebugHandler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pprof/heap", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotZero(t, w.Body.Len())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pprof/unknown", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pprof/cpu?timeout=x", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}
