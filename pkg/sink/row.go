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

package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path"
	"reflect"

	"github.com/sensorrig/rig/pkg/errors"
)

// RowMarshaler lets a type choose its own csv columns.
type RowMarshaler interface {
	MarshalRow() []string
}

// RowSink writes one csv record per item. Files have no header row and are
// truncated when a session starts. It does not validate columns or data.
type RowSink[T any] struct {
	path  string
	f     *os.File
	w     *csv.Writer
	armed bool
}

func NewRowSink[T any]() *RowSink[T] {
	return &RowSink[T]{}
}

func (s *RowSink[T]) IsArmed() bool {
	return s.armed
}

func (s *RowSink[T]) Start(filename string) error {
	if dir := path.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.ErrSinkOpen(filename, err)
		}
	}

	f, err := os.Create(filename)
	if err != nil {
		return errors.ErrSinkOpen(filename, err)
	}

	s.path = filename
	s.f = f
	s.w = csv.NewWriter(f)
	s.armed = true
	return nil
}

func (s *RowSink[T]) Record(item T) error {
	if !s.armed {
		return nil
	}

	if err := s.w.Write(marshalRow(item)); err != nil {
		return errors.ErrSinkWrite(s.path, err)
	}
	// one flush per record, so a crash loses at most the current row
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return errors.ErrSinkWrite(s.path, err)
	}
	return nil
}

func (s *RowSink[T]) Stop() error {
	if !s.armed {
		return nil
	}
	s.armed = false

	s.w.Flush()
	flushErr := s.w.Error()
	closeErr := s.f.Close()
	s.f = nil
	s.w = nil

	if flushErr != nil {
		return errors.ErrSinkClose(s.path, flushErr)
	}
	if closeErr != nil {
		return errors.ErrSinkClose(s.path, closeErr)
	}
	return nil
}

func marshalRow(item any) []string {
	if m, ok := item.(RowMarshaler); ok {
		return m.MarshalRow()
	}
	return appendValue(nil, reflect.ValueOf(item))
}

// appendValue flattens exported struct fields and array elements into columns.
func appendValue(row []string, v reflect.Value) []string {
	switch v.Kind() {
	case reflect.Invalid:
		return append(row, "")
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return append(row, "")
		}
		return appendValue(row, v.Elem())
	case reflect.Struct:
		if m, ok := v.Interface().(RowMarshaler); ok {
			return append(row, m.MarshalRow()...)
		}
		t := v.Type()
		for i := range t.NumField() {
			if t.Field(i).IsExported() {
				row = appendValue(row, v.Field(i))
			}
		}
		return row
	case reflect.Array:
		for i := range v.Len() {
			row = appendValue(row, v.Index(i))
		}
		return row
	default:
		return append(row, fmt.Sprintf("%v", v.Interface()))
	}
}
