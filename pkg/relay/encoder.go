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
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/sensorrig/rig/pkg/types"
)

type Message struct {
	Type int
	Data []byte
}

// Encoder turns one frame into the ordered websocket messages sent for it.
type Encoder[T any] interface {
	Encode(item T) ([]Message, error)
}

// ImageEncoder sends the image bytes as a binary message followed by the
// timestamp as a text message.
type ImageEncoder struct{}

func (ImageEncoder) Encode(f types.ImageFrame) ([]Message, error) {
	ts, err := json.Marshal(types.Timestamp(f.Timestamp))
	if err != nil {
		return nil, err
	}
	return []Message{
		{Type: websocket.BinaryMessage, Data: f.Data},
		{Type: websocket.TextMessage, Data: ts},
	}, nil
}

// RecordEncoder sends each record as a single JSON text message.
type RecordEncoder[T any] struct{}

func (RecordEncoder[T]) Encode(item T) ([]Message, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return []Message{{Type: websocket.TextMessage, Data: b}}, nil
}
