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
	"encoding/json"
	"strconv"
	"time"
)

type MimeType string
type OutputType string

const (
	MimeTypeJPEG MimeType = "image/jpeg"

	OutputTypeMP4  OutputType = "video/mp4"
	OutputTypeCSV  OutputType = "text/csv"
	OutputTypeJSON OutputType = "application/json"

	FileExtensionMP4 = ".mp4"
	FileExtensionCSV = ".csv"
)

// Timestamped is implemented by every item flowing through a pipeline.
type Timestamped interface {
	TimeStamp() time.Duration
}

// ImageFrame carries one encoded (JPEG) image. Frames are shared between
// branches after fan-out, so Data must not be modified once produced.
type ImageFrame struct {
	Data      []byte
	Timestamp time.Duration
}

func (f ImageFrame) TimeStamp() time.Duration {
	return f.Timestamp
}

// IMUSample is an orientation reading from the inertial sensor.
type IMUSample struct {
	Quat      [4]float32 `json:"quat"` // w, x, y, z
	Timestamp Timestamp  `json:"time_stamp"`
}

func (s IMUSample) TimeStamp() time.Duration {
	return time.Duration(s.Timestamp)
}

func (s IMUSample) MarshalRow() []string {
	d := time.Duration(s.Timestamp)
	return []string{
		strconv.FormatFloat(float64(s.Quat[0]), 'f', -1, 32),
		strconv.FormatFloat(float64(s.Quat[1]), 'f', -1, 32),
		strconv.FormatFloat(float64(s.Quat[2]), 'f', -1, 32),
		strconv.FormatFloat(float64(s.Quat[3]), 'f', -1, 32),
		strconv.FormatInt(int64(d/time.Second), 10),
		strconv.FormatInt(int64(d%time.Second), 10),
	}
}

// Timestamp is a duration since the source epoch. It is encoded as
// {"secs":S,"nanos":N}, the format existing viewers already parse.
type Timestamp time.Duration

type timestampJSON struct {
	Secs  uint64 `json:"secs"`
	Nanos uint32 `json:"nanos"`
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	d := time.Duration(t)
	if d < 0 {
		d = 0
	}
	return json.Marshal(timestampJSON{
		Secs:  uint64(d / time.Second),
		Nanos: uint32(d % time.Second),
	})
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var v timestampJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*t = Timestamp(time.Duration(v.Secs)*time.Second + time.Duration(v.Nanos))
	return nil
}

// Detections is what a processing collaborator returns for one frame,
// correlated by the frame timestamp. Items are opaque to the pipeline.
type Detections[D any] struct {
	Timestamp time.Duration
	Items     []D
}
