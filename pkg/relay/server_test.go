package relay

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sensorrig/rig/pkg/config"
	"github.com/sensorrig/rig/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type testRelay[T any] struct {
	server *Server[T]
	url    string
	http   string
	cancel context.CancelFunc

	// server side of every upgraded connection
	hijacked chan net.Conn
}

func newTestRelay[T any](t *testing.T, conf *config.RelayConfig, data <-chan T, encoder Encoder[T]) *testRelay[T] {
	if conf.Path == "" {
		conf.Path = "/video"
	}
	if conf.WriteTimeout == 0 {
		conf.WriteTimeout = time.Second
	}
	if conf.PingPeriod == 0 {
		conf.PingPeriod = time.Minute
	}

	s := NewServer[T]("test", conf, data, encoder)
	mux := http.NewServeMux()
	s.Register(mux)
	mux.HandleFunc("/ping", PingHandler)
	hijacked := make(chan net.Conn, 32)
	ts := httptest.NewUnstartedServer(mux)
	ts.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateHijacked {
			select {
			case hijacked <- c:
			default:
			}
		}
	}
	ts.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})

	return &testRelay[T]{
		server:   s,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + conf.Path,
		http:     ts.URL,
		cancel:   cancel,
		hijacked: hijacked,
	}
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (int, []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return messageType, data
}

func closeClient(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

func requireReleased[T any](t *testing.T, r *testRelay[T]) {
	require.Eventually(t, func() bool {
		_, held := r.server.Owner()
		return !held
	}, time.Second, 5*time.Millisecond)
}

func TestImageStream(t *testing.T) {
	data := make(chan types.ImageFrame, 4)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{}, data, ImageEncoder{})

	conn := dial(t, r.url, nil)
	_, held := r.server.Owner()
	require.True(t, held)

	data <- types.ImageFrame{Data: []byte{0xff, 0xd8, 0xff}, Timestamp: 1500 * time.Millisecond}

	messageType, b := read(t, conn)
	require.Equal(t, websocket.BinaryMessage, messageType)
	require.Equal(t, []byte{0xff, 0xd8, 0xff}, b)

	messageType, b = read(t, conn)
	require.Equal(t, websocket.TextMessage, messageType)
	require.JSONEq(t, `{"secs":1,"nanos":500000000}`, string(b))

	closeClient(conn)
	requireReleased(t, r)
}

func TestRecordStream(t *testing.T) {
	data := make(chan types.IMUSample, 4)
	r := newTestRelay[types.IMUSample](t, &config.RelayConfig{Path: "/imu"}, data, RecordEncoder[types.IMUSample]{})

	conn := dial(t, r.url, nil)
	data <- types.IMUSample{Quat: [4]float32{1, 0, 0, 0}, Timestamp: types.Timestamp(2 * time.Second)}

	messageType, b := read(t, conn)
	require.Equal(t, websocket.TextMessage, messageType)
	require.JSONEq(t, `{"quat":[1,0,0,0],"time_stamp":{"secs":2,"nanos":0}}`, string(b))
}

func TestSecondViewerRejected(t *testing.T) {
	data := make(chan types.ImageFrame, 4)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{}, data, ImageEncoder{})

	a := dial(t, r.url, nil)
	owner, _ := r.server.Owner()

	b, resp, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Nil(t, b)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotEqual(t, "websocket", strings.ToLower(resp.Header.Get("Upgrade")))

	// the first viewer is unaffected
	current, _ := r.server.Owner()
	require.Equal(t, owner, current)
	data <- types.ImageFrame{Data: []byte{1}, Timestamp: time.Second}
	_, frame := read(t, a)
	require.Equal(t, []byte{1}, frame)
	read(t, a)
}

func TestConcurrentViewers(t *testing.T) {
	data := make(chan types.ImageFrame, 4)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{}, data, ImageEncoder{})

	const viewers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []*websocket.Conn
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			conn, resp, err := websocket.DefaultDialer.Dial(r.url, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted = append(admitted, conn)
				return
			}
			if resp != nil && resp.StatusCode == http.StatusConflict {
				rejected++
			}
		}()
	}
	close(start)
	wg.Wait()
	t.Cleanup(func() {
		for _, conn := range admitted {
			_ = conn.Close()
		}
	})

	require.Len(t, admitted, 1)
	require.Equal(t, viewers-1, rejected)

	data <- types.ImageFrame{Data: []byte{4}, Timestamp: time.Second}
	_, frame := read(t, admitted[0])
	require.Equal(t, []byte{4}, frame)
}

func TestSlotReusedAfterDisconnect(t *testing.T) {
	data := make(chan types.ImageFrame, 4)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{}, data, ImageEncoder{})

	a := dial(t, r.url, nil)
	closeClient(a)
	requireReleased(t, r)

	b := dial(t, r.url, nil)
	data <- types.ImageFrame{Data: []byte{2}}
	_, frame := read(t, b)
	require.Equal(t, []byte{2}, frame)
}

// badEncoder produces an unwritable message for empty frames.
type badEncoder struct {
	ImageEncoder
}

func (e badEncoder) Encode(f types.ImageFrame) ([]Message, error) {
	if len(f.Data) == 0 {
		return []Message{{Type: 99}}, nil
	}
	return e.ImageEncoder.Encode(f)
}

func TestSendFailureClearsSlot(t *testing.T) {
	data := make(chan types.ImageFrame, 4)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{}, data, badEncoder{})

	a := dial(t, r.url, nil)
	data <- types.ImageFrame{}

	// the receive task is aborted with the socket, so the client sees it drop
	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	require.Error(t, err)
	requireReleased(t, r)

	b := dial(t, r.url, nil)
	data <- types.ImageFrame{Data: []byte{3}}
	_, frame := read(t, b)
	require.Equal(t, []byte{3}, frame)
}

func TestSocketWriteFailureClearsSlot(t *testing.T) {
	data := make(chan types.ImageFrame, 4)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{}, data, ImageEncoder{})

	a := dial(t, r.url, nil)
	data <- types.ImageFrame{Data: []byte{5}, Timestamp: time.Second}
	_, frame := read(t, a)
	require.Equal(t, []byte{5}, frame)
	read(t, a)

	var server net.Conn
	select {
	case server = <-r.hijacked:
	case <-time.After(time.Second):
		t.Fatal("no server connection")
	}
	tcp, ok := server.(*net.TCPConn)
	require.True(t, ok)

	// the read side stays open, so only the send task can fail
	require.NoError(t, tcp.CloseWrite())
	data <- types.ImageFrame{Data: []byte{6}, Timestamp: 2 * time.Second}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	require.Error(t, err)
	requireReleased(t, r)

	b := dial(t, r.url, nil)
	data <- types.ImageFrame{Data: []byte{7}}
	_, frame = read(t, b)
	require.Equal(t, []byte{7}, frame)
}

func TestSameHostShares(t *testing.T) {
	data := make(chan types.ImageFrame, 4)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{Identity: config.IdentityHost}, data, ImageEncoder{})

	a := dial(t, r.url, nil)
	b := dial(t, r.url, nil)
	owner, held := r.server.Owner()
	require.True(t, held)
	require.Equal(t, "127.0.0.1", owner)

	closeClient(a)
	time.Sleep(50 * time.Millisecond)
	_, held = r.server.Owner()
	require.True(t, held)

	closeClient(b)
	requireReleased(t, r)
}

func TestSourceClosed(t *testing.T) {
	data := make(chan types.ImageFrame)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{}, data, ImageEncoder{})

	a := dial(t, r.url, nil)
	close(data)

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	requireReleased(t, r)
}

func TestShutdown(t *testing.T) {
	data := make(chan types.ImageFrame)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{}, data, ImageEncoder{})

	a := dial(t, r.url, nil)
	r.cancel()

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	requireReleased(t, r)
}

func TestOrigin(t *testing.T) {
	data := make(chan types.ImageFrame)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{AllowedOrigins: []string{"viewer.local"}}, data, ImageEncoder{})

	_, resp, err := websocket.DefaultDialer.Dial(r.url, http.Header{"Origin": {"http://elsewhere.local"}})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	requireReleased(t, r)

	dial(t, r.url, http.Header{"Origin": {"http://viewer.local"}})
}

func TestPing(t *testing.T) {
	data := make(chan types.ImageFrame)
	r := newTestRelay[types.ImageFrame](t, &config.RelayConfig{}, data, ImageEncoder{})

	resp, err := http.Get(r.http + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "pong", string(b))
}

func TestServeListener(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", PingHandler)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeListener(ctx, ln, mux)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/ping")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)

	// a listener failing underneath the server is reported
	ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		done <- ServeListener(context.Background(), ln, mux)
	}()
	require.NoError(t, ln.Close())
	select {
	case err = <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
