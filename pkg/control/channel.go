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

package control

import (
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/types"
)

// CommandChannel carries signals from any number of controllers to exactly
// one recorder. Sends never block: a full queue rejects the new signal.
type CommandChannel struct {
	name string
	ch   chan types.Signal

	mu     sync.RWMutex
	closed bool
}

func NewCommandChannel(name string, size int) *CommandChannel {
	if size < 1 {
		size = 1
	}
	return &CommandChannel{
		name: name,
		ch:   make(chan types.Signal, size),
	}
}

func (c *CommandChannel) Name() string {
	return c.name
}

// C is read by the recorder.
func (c *CommandChannel) C() <-chan types.Signal {
	return c.ch
}

func (c *CommandChannel) Send(sig types.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.ErrControllerGone
	}

	select {
	case c.ch <- sig:
		return nil
	default:
		return errors.ErrCommandQueueFull
	}
}

// Close tells the recorder its controllers are gone.
func (c *CommandChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// PathGenerator names recordings for controllers that do not supply a path.
type PathGenerator struct {
	Dir       string
	Prefix    string
	Extension string
	Now       func() time.Time
}

func (g *PathGenerator) Next() string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return path.Join(g.Dir, fmt.Sprintf("%s-%d%s", g.Prefix, now().Unix(), g.Extension))
}

type route struct {
	channel *CommandChannel
	paths   *PathGenerator
}

// Router maps pipeline names to their command channels.
type Router struct {
	routes map[string]*route
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]*route)}
}

func (r *Router) Add(ch *CommandChannel, paths *PathGenerator) {
	r.routes[ch.Name()] = &route{channel: ch, paths: paths}
}

func (r *Router) Pipelines() []string {
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Has(pipeline string) bool {
	_, ok := r.routes[pipeline]
	return ok
}

func (r *Router) Send(pipeline string, sig types.Signal) error {
	rt, ok := r.routes[pipeline]
	if !ok {
		return errors.ErrUnknownPipeline(pipeline)
	}
	if err := rt.channel.Send(sig); err != nil {
		return err
	}
	logger.Debugw("signal queued", "pipeline", pipeline, "signal", sig.String())
	return nil
}

// Start sends a start signal, generating a path when none is given.
func (r *Router) Start(pipeline, filename string) (string, error) {
	rt, ok := r.routes[pipeline]
	if !ok {
		return "", errors.ErrUnknownPipeline(pipeline)
	}
	if filename == "" {
		if rt.paths == nil {
			return "", errors.ErrInvalidSignal("start requires a path")
		}
		filename = rt.paths.Next()
	}
	return filename, r.Send(pipeline, types.StartSignal(filename))
}

func (r *Router) Close() {
	for _, rt := range r.routes {
		rt.channel.Close()
	}
}
