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

// Package fanout replicates one inbound stream onto several independent
// outbound streams. Every item is offered to every branch, in arrival order,
// before the next item is read from the source.
package fanout

import (
	"context"
	"fmt"

	"github.com/frostbyte73/core"
	"go.uber.org/atomic"

	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/logger"
)

// Policy decides what a push does when a branch buffer is full.
type Policy string

const (
	// PolicyBlock waits for the consumer. Nothing is lost, and a slow consumer
	// slows every branch.
	PolicyBlock Policy = "block"
	// PolicyDropOldest evicts the oldest buffered item to make room.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyRejectNew discards the incoming item.
	PolicyRejectNew Policy = "reject_new"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyBlock, PolicyDropOldest, PolicyRejectNew:
		return p, nil
	case "":
		return PolicyBlock, nil
	default:
		return "", fmt.Errorf("unknown backpressure policy %q", s)
	}
}

type BranchConfig struct {
	Name     string
	Capacity int
	Policy   Policy
}

// Observer receives distribution events, typically a stats collector.
type Observer interface {
	OnDistributed()
	OnDropped(branch string)
}

// Branch is one output of a Distributor. Its consumer reads C() until it is
// closed, and calls Detach if it stops reading early.
type Branch[T any] struct {
	name     string
	policy   Policy
	ch       chan T
	detached core.Fuse
	dropped  atomic.Uint64
}

func (b *Branch[T]) Name() string {
	return b.name
}

func (b *Branch[T]) C() <-chan T {
	return b.ch
}

// Detach tells the distributor this consumer is gone. Consumers are expected
// to live as long as the pipeline, so the distributor treats this as fatal.
func (b *Branch[T]) Detach() {
	b.detached.Break()
}

func (b *Branch[T]) Dropped() uint64 {
	return b.dropped.Load()
}

type Distributor[T any] struct {
	source   <-chan T
	branches []*Branch[T]
	observer Observer
	logger   logger.Logger

	running  atomic.Bool
	finished core.Fuse
	err      error
}

type Option[T any] func(*Distributor[T])

func WithObserver[T any](o Observer) Option[T] {
	return func(d *Distributor[T]) {
		d.observer = o
	}
}

func WithLogger[T any](l logger.Logger) Option[T] {
	return func(d *Distributor[T]) {
		d.logger = l
	}
}

func New[T any](source <-chan T, branches []BranchConfig, opts ...Option[T]) (*Distributor[T], error) {
	if len(branches) == 0 {
		return nil, errors.New("fanout requires at least one branch")
	}

	d := &Distributor[T]{
		source: source,
		logger: logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	names := make(map[string]bool)
	for i, conf := range branches {
		if conf.Name == "" {
			conf.Name = fmt.Sprintf("branch%d", i)
		}
		if names[conf.Name] {
			return nil, fmt.Errorf("duplicate branch %s", conf.Name)
		}
		names[conf.Name] = true

		policy, err := ParsePolicy(string(conf.Policy))
		if err != nil {
			return nil, err
		}
		if conf.Capacity < 0 {
			return nil, fmt.Errorf("branch %s: negative capacity", conf.Name)
		}
		if policy != PolicyBlock && conf.Capacity == 0 {
			return nil, fmt.Errorf("branch %s: %s requires a buffer", conf.Name, policy)
		}

		d.branches = append(d.branches, &Branch[T]{
			name:   conf.Name,
			policy: policy,
			ch:     make(chan T, conf.Capacity),
		})
	}

	return d, nil
}

// Distribute builds a distributor with n identical branches and starts its worker.
func Distribute[T any](ctx context.Context, source <-chan T, n int, conf BranchConfig) (*Distributor[T], []*Branch[T], error) {
	configs := make([]BranchConfig, n)
	for i := range configs {
		configs[i] = conf
		configs[i].Name = fmt.Sprintf("%s%d", conf.Name, i)
	}

	d, err := New(source, configs)
	if err != nil {
		return nil, nil, err
	}

	go func() {
		_ = d.Run(ctx)
	}()
	return d, d.Branches(), nil
}

func (d *Distributor[T]) Branches() []*Branch[T] {
	return d.branches
}

func (d *Distributor[T]) Branch(name string) *Branch[T] {
	for _, b := range d.branches {
		if b.name == name {
			return b
		}
	}
	return nil
}

// Run distributes until the source closes (nil), the context ends, or a
// consumer detaches (fatal). Every branch is closed on return.
func (d *Distributor[T]) Run(ctx context.Context) error {
	if d.running.Swap(true) {
		return errors.New("distributor already running")
	}

	err := d.run(ctx)
	for _, b := range d.branches {
		close(b.ch)
	}

	d.err = err
	d.finished.Break()
	return err
}

func (d *Distributor[T]) run(ctx context.Context) error {
	d.logger.Debugw("distributor started", "branches", len(d.branches))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case item, ok := <-d.source:
			if !ok {
				d.logger.Debugw("distributor source closed")
				return nil
			}
			for _, b := range d.branches {
				if err := d.push(ctx, b, item); err != nil {
					return err
				}
			}
			if d.observer != nil {
				d.observer.OnDistributed()
			}
		}
	}
}

func (d *Distributor[T]) push(ctx context.Context, b *Branch[T], item T) error {
	if b.detached.IsBroken() {
		return d.consumerGone(b)
	}

	switch b.policy {
	case PolicyDropOldest:
		select {
		case b.ch <- item:
			return nil
		default:
		}
		// the distributor is the only sender, so evicting one item makes room
		select {
		case <-b.ch:
			d.drop(b)
		default:
		}
		select {
		case b.ch <- item:
		default:
			d.drop(b)
		}
		return nil

	case PolicyRejectNew:
		select {
		case b.ch <- item:
		default:
			d.drop(b)
		}
		return nil

	default:
		select {
		case b.ch <- item:
			return nil
		case <-b.detached.Watch():
			return d.consumerGone(b)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Distributor[T]) drop(b *Branch[T]) {
	b.dropped.Inc()
	if d.observer != nil {
		d.observer.OnDropped(b.name)
	}
}

func (d *Distributor[T]) consumerGone(b *Branch[T]) error {
	err := errors.Fatal(errors.ErrConsumerGone(b.name))
	d.logger.Errorw("fanout consumer gone, stopping pipeline", err, "branch", b.name)
	return err
}

// Done is closed once Run has returned.
func (d *Distributor[T]) Done() <-chan struct{} {
	return d.finished.Watch()
}

// Err is the result of Run, valid after Done is closed.
func (d *Distributor[T]) Err() error {
	<-d.finished.Watch()
	return d.err
}
