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

package recorder

import (
	"context"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/types"
)

// Sink persists items for one session at a time. After Stop returns, the
// sink must report IsArmed() == false, even if closing failed.
type Sink[T any] interface {
	IsArmed() bool
	Start(path string) error
	Record(item T) error
	Stop() error
}

type SinkErrorPolicy string

const (
	// OnSinkErrorFatal stops the recorder with a fatal error.
	OnSinkErrorFatal SinkErrorPolicy = "fatal"
	// OnSinkErrorDisarm closes the session and keeps consuming frames.
	OnSinkErrorDisarm SinkErrorPolicy = "disarm"
)

type Session struct {
	ID        string
	Pipeline  string
	Path      string
	StartedAt time.Time
	EndedAt   time.Time
	Frames    uint64
}

type Status struct {
	Armed     bool      `json:"armed"`
	SessionID string    `json:"session_id,omitempty"`
	Path      string    `json:"path,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Frames    uint64    `json:"frames"`
}

// Observer receives recorder events, typically a stats collector.
type Observer interface {
	OnArmed(armed bool)
	OnRecorded()
	OnSinkError()
}

// Recorder writes frames to its sink while armed. Commands are polled at most
// once per frame, before the frame is written, so a Start takes effect on the
// first frame received after it was sent.
type Recorder[T any] struct {
	name     string
	data     <-chan T
	commands <-chan types.Signal
	sink     Sink[T]
	forward  chan<- T
	policy   SinkErrorPolicy
	onClosed func(Session)
	observer Observer
	logger   logger.Logger

	// owned by the Run goroutine
	session *Session

	// published for Status
	current atomic.Pointer[Session]
	frames  atomic.Uint64
}

type Option[T any] func(*Recorder[T])

// WithForward passes every frame on to ch after it has been handled. The
// recorder closes ch when it exits.
func WithForward[T any](ch chan<- T) Option[T] {
	return func(r *Recorder[T]) {
		r.forward = ch
	}
}

func WithSinkErrorPolicy[T any](policy SinkErrorPolicy) Option[T] {
	return func(r *Recorder[T]) {
		r.policy = policy
	}
}

// WithOnSessionClosed is called after a session's sink closed cleanly.
func WithOnSessionClosed[T any](f func(Session)) Option[T] {
	return func(r *Recorder[T]) {
		r.onClosed = f
	}
}

func WithName[T any](name string) Option[T] {
	return func(r *Recorder[T]) {
		r.name = name
	}
}

func WithObserver[T any](o Observer) Option[T] {
	return func(r *Recorder[T]) {
		r.observer = o
	}
}

func New[T any](data <-chan T, commands <-chan types.Signal, sink Sink[T], opts ...Option[T]) *Recorder[T] {
	r := &Recorder[T]{
		name:     "recorder",
		data:     data,
		commands: commands,
		sink:     sink,
		policy:   OnSinkErrorFatal,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.GetLogger().WithValues("pipeline", r.name)
	return r
}

func (r *Recorder[T]) Name() string {
	return r.name
}

func (r *Recorder[T]) Status() Status {
	s := r.current.Load()
	if s == nil {
		return Status{}
	}
	return Status{
		Armed:     true,
		SessionID: s.ID,
		Path:      s.Path,
		StartedAt: s.StartedAt,
		Frames:    r.frames.Load(),
	}
}

// Run consumes data until it is closed (nil), the context ends, or a fatal
// error occurs. Any open session is closed before returning.
func (r *Recorder[T]) Run(ctx context.Context) error {
	r.logger.Infow("recorder started")
	if r.forward != nil {
		defer close(r.forward)
	}

	err := r.run(ctx)
	if closeErr := r.closeSession(); closeErr != nil {
		r.logger.Errorw("failed to close session on exit", closeErr)
		if err == nil && r.policy == OnSinkErrorFatal {
			err = errors.Fatal(closeErr)
		}
	}

	r.logger.Infow("recorder stopped", "error", err)
	return err
}

func (r *Recorder[T]) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case item, ok := <-r.data:
			if !ok {
				r.logger.Debugw("recorder input closed")
				return nil
			}

			if err := r.poll(); err != nil {
				return err
			}
			if err := r.record(item); err != nil {
				return err
			}

			if r.forward != nil {
				select {
				case r.forward <- item:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (r *Recorder[T]) poll() error {
	select {
	case sig, ok := <-r.commands:
		if !ok {
			err := errors.Fatal(errors.ErrControllerGone)
			r.logger.Errorw("controller gone", err)
			return err
		}
		return r.apply(sig)
	default:
		return nil
	}
}

func (r *Recorder[T]) apply(sig types.Signal) error {
	switch {
	case sig.IsStart():
		if r.sink.IsArmed() {
			r.logger.Infow("start received while recording, closing current session",
				"sessionID", r.session.ID,
				"path", r.session.Path,
				"next", sig.Path(),
			)
			if err := r.closeSession(); err != nil {
				return r.sinkFailure(err)
			}
		}

		if err := r.sink.Start(sig.Path()); err != nil {
			return r.sinkFailure(err)
		}
		r.session = &Session{
			ID:        xid.New().String(),
			Pipeline:  r.name,
			Path:      sig.Path(),
			StartedAt: time.Now(),
		}
		s := *r.session
		r.frames.Store(0)
		r.current.Store(&s)
		if r.observer != nil {
			r.observer.OnArmed(true)
		}
		r.logger.Infow("recording started", "sessionID", s.ID, "path", s.Path)

	case sig.IsEnd():
		if !r.sink.IsArmed() {
			r.logger.Debugw("end received while idle")
			return nil
		}
		if err := r.closeSession(); err != nil {
			return r.sinkFailure(err)
		}
	}

	return nil
}

func (r *Recorder[T]) record(item T) error {
	if !r.sink.IsArmed() {
		return nil
	}
	if err := r.sink.Record(item); err != nil {
		return r.sinkFailure(err)
	}

	r.session.Frames++
	r.frames.Inc()
	if r.observer != nil {
		r.observer.OnRecorded()
	}
	return nil
}

// closeSession stops the sink and reports the finished session.
func (r *Recorder[T]) closeSession() error {
	if r.session == nil && !r.sink.IsArmed() {
		return nil
	}

	err := r.sink.Stop()
	s := r.session
	r.session = nil
	r.current.Store(nil)
	if r.observer != nil {
		r.observer.OnArmed(false)
	}
	if s == nil {
		return err
	}

	s.EndedAt = time.Now()
	if err != nil {
		return err
	}

	r.logger.Infow("recording finished",
		"sessionID", s.ID,
		"path", s.Path,
		"frames", s.Frames,
		"duration", s.EndedAt.Sub(s.StartedAt),
	)
	if r.onClosed != nil {
		r.onClosed(*s)
	}
	return nil
}

// sinkFailure abandons the current session. The partial file is left in
// place but never reported as a finished session.
func (r *Recorder[T]) sinkFailure(err error) error {
	if r.observer != nil {
		r.observer.OnSinkError()
	}

	if r.sink.IsArmed() {
		_ = r.sink.Stop()
	}
	if r.session != nil {
		r.session = nil
		r.current.Store(nil)
		if r.observer != nil {
			r.observer.OnArmed(false)
		}
	}

	if r.policy == OnSinkErrorDisarm {
		r.logger.Warnw("sink failed, disarming", err)
		return nil
	}

	r.logger.Errorw("sink failed", err)
	return errors.Fatal(err)
}
