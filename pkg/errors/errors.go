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

package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoConfig         = errors.New("missing config")
	ErrControllerGone   = errors.New("command channel closed")
	ErrCommandQueueFull = errors.New("command queue full")
	ErrSlotOccupied     = errors.New("stream already owned by another viewer")
	ErrRelayClosed      = errors.New("relay closed")
	ErrSourceClosed     = errors.New("source closed")
	ErrNoFrames         = errors.New("no frames")
	ErrMalformedSignal  = errors.New("invalid signal")
	ErrPipelineFrozen   = errors.New("pipeline frozen")
)

func New(err string) error {
	return errors.New(err)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Join(errs ...error) error {
	return errors.Join(errs...)
}

// FatalError marks a condition the owning worker cannot continue from.
type FatalError struct {
	err error
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{err: err}
}

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

func (e *FatalError) Error() string {
	return "fatal: " + e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

func ErrCouldNotParseConfig(err error) error {
	return fmt.Errorf("could not parse config: %v", err)
}

func ErrInvalidConfig(field, reason string) error {
	return fmt.Errorf("invalid config %s: %s", field, reason)
}

func ErrConsumerGone(branch string) error {
	return fmt.Errorf("consumer %s went away", branch)
}

func ErrUnknownPipeline(name string) error {
	return fmt.Errorf("unknown pipeline %s", name)
}

func ErrInvalidSignal(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedSignal, reason)
}

func ErrGstPipelineError(err error) error {
	return fmt.Errorf("gstreamer pipeline error: %w", err)
}

func ErrSinkOpen(path string, err error) error {
	return &SinkError{Op: "open", Path: path, Err: err}
}

func ErrSinkWrite(path string, err error) error {
	return &SinkError{Op: "write", Path: path, Err: err}
}

func ErrSinkClose(path string, err error) error {
	return &SinkError{Op: "close", Path: path, Err: err}
}

type SinkError struct {
	Op   string
	Path string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

func ErrProfileNotFound(name string) error {
	return fmt.Errorf("profile not found: %s", name)
}

func ErrUploadFailed(location string, err error) error {
	return fmt.Errorf("%s upload failed: %v", location, err)
}

func ErrWebSocketClosed(addr string) error {
	return fmt.Errorf("websocket already closed: %s", addr)
}

type ErrArray struct {
	errs []error
}

func (e *ErrArray) AppendErr(err error) {
	e.errs = append(e.errs, err)
}

func (e *ErrArray) ToError() error {
	switch len(e.errs) {
	case 0:
		return nil
	case 1:
		return e.errs[0]
	}

	s := make([]string, 0, len(e.errs))
	for _, err := range e.errs {
		s = append(s, err.Error())
	}
	return errors.New(strings.Join(s, "\n"))
}
