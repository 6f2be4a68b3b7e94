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

package relay

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sensorrig/rig/pkg/config"
	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/logger"
)

const shutdownTimeout = time.Second * 5

// Observer receives relay events, typically a stats collector.
type Observer interface {
	OnAccepted()
	OnRejected()
	OnSent()
	OnDisconnected()
}

// Server streams one channel to at most one viewer identity at a time.
type Server[T any] struct {
	name     string
	conf     *config.RelayConfig
	data     <-chan T
	encoder  Encoder[T]
	observer Observer
	logger   logger.Logger

	slot     OwnershipSlot
	upgrader websocket.Upgrader
	conns    sync.WaitGroup
	shutdown core.Fuse
}

type Option[T any] func(*Server[T])

func WithObserver[T any](o Observer) Option[T] {
	return func(s *Server[T]) {
		s.observer = o
	}
}

func NewServer[T any](name string, conf *config.RelayConfig, data <-chan T, encoder Encoder[T], opts ...Option[T]) *Server[T] {
	s := &Server[T]{
		name:    name,
		conf:    conf,
		data:    data,
		encoder: encoder,
		logger:  logger.GetLogger().WithValues("pipeline", name, "path", conf.Path),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the stream route to mux.
func (s *Server[T]) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.conf.Path, s.handleStream)
}

// Owner returns the identity currently holding the stream.
func (s *Server[T]) Owner() (string, bool) {
	return s.slot.Owner()
}

// Run blocks until ctx is done, then closes every open connection.
func (s *Server[T]) Run(ctx context.Context) error {
	<-ctx.Done()
	s.shutdown.Break()
	s.conns.Wait()
	s.logger.Debugw("relay closed")
	return nil
}

func (s *Server[T]) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.IsBroken() {
		http.Error(w, errors.ErrRelayClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	identity := s.identity(r)
	lease, ok := s.slot.TryAcquire(identity)
	if !ok {
		owner, _ := s.slot.Owner()
		s.logger.Infow("viewer rejected", "remote", identity, "owner", owner)
		if s.observer != nil {
			s.observer.OnRejected()
		}
		// rejected before the upgrade, so no websocket bytes are sent
		http.Error(w, errors.ErrSlotOccupied.Error(), http.StatusConflict)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		lease.Release()
		s.logger.Debugw("upgrade failed", "remote", identity, "error", err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	c := &connection[T]{
		id:           uuid.NewString(),
		ws:           ws,
		lease:        lease,
		data:         s.data,
		encoder:      s.encoder,
		writeTimeout: s.conf.WriteTimeout,
		pingPeriod:   s.conf.PingPeriod,
		observer:     s.observer,
		logger:       s.logger.WithValues("remote", identity),
	}
	c.logger.Infow("viewer connected", "connectionID", c.id)
	if s.observer != nil {
		s.observer.OnAccepted()
	}

	c.serve(r.Context(), s.shutdown.Watch())

	if s.observer != nil {
		s.observer.OnDisconnected()
	}
}

func (s *Server[T]) identity(r *http.Request) string {
	if s.conf.Identity == config.IdentityHost {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
	}
	return r.RemoteAddr
}

func (s *Server[T]) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.conf.AllowedOrigins) == 0 {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.conf.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

// Serve runs an http server on address until ctx is done.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, handler)
}

func ServeListener(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: time.Second * 10,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errChan
		return nil

	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// PingHandler answers liveness probes.
func PingHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}
