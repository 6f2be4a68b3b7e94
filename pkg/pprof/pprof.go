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

package pprof

import (
	"bytes"
	"context"
	"runtime/pprof"
	"time"

	"github.com/sensorrig/rig/pkg/errors"
)

const (
	cpuProfileName = "cpu"
	defaultTimeout = time.Second * 30
)

// GetProfileData returns a profile in pprof format. The cpu profile samples
// for timeout; every other named profile is a snapshot.
func GetProfileData(ctx context.Context, profileName string, timeout time.Duration, debug int) ([]byte, error) {
	switch profileName {
	case cpuProfileName:
		return GetCpuProfileData(ctx, timeout)
	default:
		return GetGenericProfileData(profileName, debug)
	}
}

func GetCpuProfileData(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	buf := &bytes.Buffer{}
	if err := pprof.StartCPUProfile(buf); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		pprof.StopCPUProfile()
		return nil, ctx.Err()
	case <-timer.C:
	}

	pprof.StopCPUProfile()
	return buf.Bytes(), nil
}

func GetGenericProfileData(profileName string, debug int) ([]byte, error) {
	pp := pprof.Lookup(profileName)
	if pp == nil {
		return nil, errors.ErrProfileNotFound(profileName)
	}

	buf := &bytes.Buffer{}
	if err := pp.WriteTo(buf, debug); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
