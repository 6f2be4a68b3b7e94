// Copyright 2026 LiveKit, Inc.
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

package stats

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
)

var errNoCgroup = errors.New("cgroup memory not available")

// memoryReader reports the container working set: usage minus inactive file
// cache, the number the kernel compares against the memory limit.
type memoryReader struct {
	fsys fs.FS
}

func newMemoryReader() *memoryReader {
	return &memoryReader{fsys: os.DirFS("/")}
}

func (r *memoryReader) workingSet() (uint64, error) {
	total, statPath, err := r.usage()
	if err != nil {
		return 0, err
	}

	inactive, err := r.statValue(statPath, "total_inactive_file", "inactive_file")
	if err != nil {
		return total, nil
	}
	if inactive > total {
		return 0, nil
	}
	return total - inactive, nil
}

// usage tries cgroup v2, then the v1 memory controller.
func (r *memoryReader) usage() (uint64, string, error) {
	v2 := "sys/fs/cgroup"
	if p, ok := r.cgroupPath(func(line string) (string, bool) {
		return strings.CutPrefix(line, "0::")
	}); ok {
		v2 = path.Join(v2, p)
	}
	if total, err := r.readUint(path.Join(v2, "memory.current")); err == nil {
		return total, path.Join(v2, "memory.stat"), nil
	}

	v1 := "sys/fs/cgroup/memory"
	if p, ok := r.cgroupPath(func(line string) (string, bool) {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			return "", false
		}
		for _, c := range strings.Split(parts[1], ",") {
			if c == "memory" {
				return parts[2], true
			}
		}
		return "", false
	}); ok {
		v1 = path.Join(v1, p)
	}
	if total, err := r.readUint(path.Join(v1, "memory.usage_in_bytes")); err == nil {
		return total, path.Join(v1, "memory.stat"), nil
	}

	return 0, "", errNoCgroup
}

func (r *memoryReader) cgroupPath(match func(string) (string, bool)) (string, bool) {
	b, err := fs.ReadFile(r.fsys, "proc/self/cgroup")
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(b), "\n") {
		if p, ok := match(line); ok {
			return strings.TrimPrefix(strings.TrimSpace(p), "/"), true
		}
	}
	return "", false
}

func (r *memoryReader) readUint(name string) (uint64, error) {
	b, err := fs.ReadFile(r.fsys, name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}

// statValue returns the first of keys found in a memory.stat file.
func (r *memoryReader) statValue(name string, keys ...string) (uint64, error) {
	f, err := r.fsys.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if k, v, ok := strings.Cut(scanner.Text(), " "); ok {
			values[k] = v
		}
	}
	for _, k := range keys {
		if v, ok := values[k]; ok {
			return strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		}
	}
	return 0, errors.New("key not found in " + name)
}
