// Copyright 2023 LiveKit, Inc.
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

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/sensorrig/rig/pkg/config"
	"github.com/sensorrig/rig/pkg/control"
	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/relay"
	"github.com/sensorrig/rig/pkg/sink"
	"github.com/sensorrig/rig/pkg/stats"
	"github.com/sensorrig/rig/pkg/uploader"
	"github.com/sensorrig/rig/version"
)

type worker struct {
	name string
	run  func(ctx context.Context) error
}

type Server struct {
	conf    *config.Config
	monitor *stats.Monitor
	router  *control.Router
	queue   *uploader.Queue

	pipelines []*pipeline
	relayMux  map[string]*http.ServeMux
	services  []worker

	encoderFactory sink.VideoEncoderFactory
	consoleIn      io.Reader
	consoleOut     io.Writer

	rc redis.UniversalClient
	nc *nats.Conn

	shutdown core.Fuse
	kill     core.Fuse
}

type Option func(*Server)

// WithVideoEncoder replaces the gstreamer encoder used by the camera recorder.
func WithVideoEncoder(f sink.VideoEncoderFactory) Option {
	return func(s *Server) {
		s.encoderFactory = f
	}
}

// WithConsole sets the operator console streams, stdin and stdout by default.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(s *Server) {
		s.consoleIn = in
		s.consoleOut = out
	}
}

func NewServer(conf *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		conf:     conf,
		monitor:  stats.NewMonitor(conf.NodeID),
		router:   control.NewRouter(),
		relayMux: make(map[string]*http.ServeMux),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.encoderFactory == nil && conf.Camera != nil {
		s.encoderFactory = sink.NewGstEncoderFactory(conf.Camera.EOSTimeout)
	}

	if conf.UploadsEnabled() {
		u, err := uploader.New(conf.StorageConfig, conf.BackupConfig, s.monitor)
		if err != nil {
			return nil, err
		}
		s.queue = uploader.NewQueue(u, conf.MaxUploadQueue, conf.NodeID, s.monitor)
		s.monitor.RegisterQueueGauge(func() float64 {
			return float64(s.queue.Len())
		})
	}

	if conf.Camera != nil && conf.Camera.Enabled {
		p, err := s.buildCamera(conf.Camera)
		if err != nil {
			return nil, err
		}
		s.pipelines = append(s.pipelines, p)
	}
	if conf.IMU != nil && conf.IMU.Enabled {
		p, err := s.buildIMU(conf.IMU)
		if err != nil {
			return nil, err
		}
		s.pipelines = append(s.pipelines, p)
	}

	if err := s.buildControl(); err != nil {
		return nil, err
	}

	for address, mux := range s.relayMux {
		mux.HandleFunc("/ping", relay.PingHandler)
		s.services = append(s.services, worker{
			name: "relay listener " + address,
			run: func(ctx context.Context) error {
				return relay.Serve(ctx, address, mux)
			},
		})
	}

	if conf.HealthPort > 0 {
		addr := fmt.Sprintf(":%d", conf.HealthPort)
		s.services = append(s.services, worker{
			name: "health server",
			run: func(ctx context.Context) error {
				return relay.Serve(ctx, addr, s.Handler())
			},
		})
	}
	if conf.DebugPort > 0 {
		addr := fmt.Sprintf(":%d", conf.DebugPort)
		s.services = append(s.services, worker{
			name: "debug server",
			run: func(ctx context.Context) error {
				return relay.Serve(ctx, addr, s.DebugHandler())
			},
		})
	}
	if conf.PrometheusPort > 0 {
		addr := fmt.Sprintf(":%d", conf.PrometheusPort)
		s.services = append(s.services, worker{
			name: "prometheus server",
			run: func(ctx context.Context) error {
				return relay.Serve(ctx, addr, s.monitor.Handler())
			},
		})
	}

	return s, nil
}

func (s *Server) buildControl() error {
	conf := s.conf.Control

	if conf.Redis != nil {
		rc, err := control.NewRedisClient(conf.Redis)
		if err != nil {
			return err
		}
		s.rc = rc
		sub := control.NewRedisSubscriber(rc, conf.Redis.Channel, s.router)
		s.services = append(s.services, worker{name: "redis subscriber", run: sub.Run})
	}

	if conf.NATS != nil {
		nc, err := control.NewNATSConn(conf.NATS)
		if err != nil {
			return err
		}
		s.nc = nc
		sub := control.NewNATSSubscriber(nc, conf.NATS.Subject, s.router)
		s.services = append(s.services, worker{name: "nats subscriber", run: sub.Run})
	}

	if conf.Console && s.consoleIn != nil {
		reader := control.NewConsoleReader(s.router, s.consoleIn, s.consoleOut)
		s.services = append(s.services, worker{name: "console", run: reader.Run})
	}

	return nil
}

func (s *Server) relayMuxFor(address string) *http.ServeMux {
	mux, ok := s.relayMux[address]
	if !ok {
		mux = http.NewServeMux()
		s.relayMux[address] = mux
	}
	return mux
}

// Run blocks until every pipeline has stopped. A fatal error from any worker
// stops the rest and is returned.
func (s *Server) Run(ctx context.Context) error {
	logger.Infow("starting rig",
		"version", version.Version,
		"nodeID", s.conf.NodeID,
		"pipelines", s.router.Pipelines(),
	)
	defer s.closeClients()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.kill.Watch():
			cancel()
		case <-ctx.Done():
		}
	}()

	uploadsDone := make(chan struct{})
	if s.queue != nil {
		go func() {
			defer close(uploadsDone)
			s.queue.Run(ctx)
		}()
	} else {
		close(uploadsDone)
	}

	g, gctx := errgroup.WithContext(ctx)
	sourceCtx, stopSources := context.WithCancel(gctx)
	defer stopSources()
	serviceCtx, stopServices := context.WithCancel(gctx)
	defer stopServices()

	var pipelines sync.WaitGroup
	for _, p := range s.pipelines {
		for _, w := range p.sources {
			s.spawn(g, &pipelines, sourceCtx, p.name, w)
		}
		for _, w := range p.stages {
			s.spawn(g, &pipelines, gctx, p.name, w)
		}
		for _, w := range p.services {
			s.spawn(g, nil, serviceCtx, p.name, w)
		}
	}
	for _, w := range s.services {
		s.spawn(g, nil, serviceCtx, "", w)
	}

	g.Go(func() error {
		s.monitor.Run(serviceCtx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-s.shutdown.Watch():
			logger.Infow("draining pipelines")
			stopSources()
		case <-serviceCtx.Done():
		}
		return nil
	})
	g.Go(func() error {
		pipelines.Wait()
		logger.Infow("pipelines stopped")
		stopServices()
		return nil
	})

	err := g.Wait()
	if s.queue != nil {
		s.queue.Close()
	}
	<-uploadsDone

	if err != nil {
		logger.Errorw("rig stopped", err)
		return err
	}
	logger.Infow("rig stopped")
	return nil
}

func (s *Server) spawn(g *errgroup.Group, wg *sync.WaitGroup, ctx context.Context, pipeline string, w worker) {
	if wg != nil {
		wg.Add(1)
	}
	g.Go(func() error {
		if wg != nil {
			defer wg.Done()
		}
		err := w.run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		logger.Errorw("worker failed", err, "pipeline", pipeline, "worker", w.name)
		return err
	})
}

func (s *Server) closeClients() {
	if s.rc != nil {
		_ = s.rc.Close()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}

// Shutdown stops the sources and lets every pipeline drain, closing open
// recordings. With kill, workers are cancelled without draining.
func (s *Server) Shutdown(kill bool) {
	s.shutdown.Break()
	if kill {
		s.kill.Break()
	}
}

func (s *Server) IsShuttingDown() bool {
	return s.shutdown.IsBroken()
}

func (s *Server) Router() *control.Router {
	return s.router
}

func (s *Server) Monitor() *stats.Monitor {
	return s.monitor
}
