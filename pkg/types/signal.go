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

package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sensorrig/rig/pkg/errors"
)

type SignalKind string

const (
	SignalStart SignalKind = "start"
	SignalEnd   SignalKind = "end"
)

// Signal is operator intent for a recorder: Start opens a session at Path,
// End closes it. Construct with StartSignal or EndSignal.
type Signal struct {
	kind SignalKind
	path string
}

func StartSignal(path string) Signal {
	return Signal{kind: SignalStart, path: path}
}

func EndSignal() Signal {
	return Signal{kind: SignalEnd}
}

func (s Signal) Kind() SignalKind {
	return s.kind
}

// Path is only meaningful for start signals.
func (s Signal) Path() string {
	return s.path
}

func (s Signal) IsStart() bool {
	return s.kind == SignalStart
}

func (s Signal) IsEnd() bool {
	return s.kind == SignalEnd
}

func (s Signal) String() string {
	if s.kind == SignalStart {
		return fmt.Sprintf("Start(%s)", s.path)
	}
	return "End"
}

type signalJSON struct {
	Signal SignalKind `json:"signal"`
	Path   string     `json:"path,omitempty"`
}

func (s Signal) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(signalJSON{Signal: s.kind, Path: s.path})
}

func (s *Signal) UnmarshalJSON(b []byte) error {
	var v signalJSON
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return errors.ErrInvalidSignal(err.Error())
	}

	parsed := Signal{kind: SignalKind(strings.ToLower(string(v.Signal))), path: v.Path}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Signal) Validate() error {
	switch s.kind {
	case SignalStart:
		if strings.TrimSpace(s.path) == "" {
			return errors.ErrInvalidSignal("start requires a path")
		}
	case SignalEnd:
		if s.path != "" {
			return errors.ErrInvalidSignal("end does not take a path")
		}
	case "":
		return errors.ErrInvalidSignal("missing signal")
	default:
		return errors.ErrInvalidSignal(fmt.Sprintf("unknown signal %q", s.kind))
	}
	return nil
}

// DecodeSignal reads exactly one JSON signal from r.
func DecodeSignal(r io.Reader) (Signal, error) {
	b, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return Signal{}, err
	}

	var s Signal
	if err = json.Unmarshal(b, &s); err != nil {
		if !errors.Is(err, errors.ErrMalformedSignal) {
			err = errors.ErrInvalidSignal(err.Error())
		}
		return Signal{}, err
	}
	return s, nil
}
