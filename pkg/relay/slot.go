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
	"go.uber.org/atomic"
)

type claim struct {
	identity string
	holders  int32
}

// OwnershipSlot admits one viewer identity at a time. Connections from the
// identity already holding the slot share it, and the slot frees once the
// last of them releases. Every transition is a single compare-and-swap.
type OwnershipSlot struct {
	current atomic.Pointer[claim]
}

// TryAcquire claims the slot for identity, or returns false if another
// identity holds it.
func (s *OwnershipSlot) TryAcquire(identity string) (*Lease, bool) {
	for {
		cur := s.current.Load()
		var next *claim
		switch {
		case cur == nil:
			next = &claim{identity: identity, holders: 1}
		case cur.identity == identity:
			next = &claim{identity: identity, holders: cur.holders + 1}
		default:
			return nil, false
		}
		if s.current.CompareAndSwap(cur, next) {
			return &Lease{slot: s, identity: identity}, true
		}
	}
}

// Owner returns the identity holding the slot.
func (s *OwnershipSlot) Owner() (string, bool) {
	if cur := s.current.Load(); cur != nil {
		return cur.identity, true
	}
	return "", false
}

func (s *OwnershipSlot) release(identity string) {
	for {
		cur := s.current.Load()
		if cur == nil || cur.identity != identity {
			return
		}
		var next *claim
		if cur.holders > 1 {
			next = &claim{identity: identity, holders: cur.holders - 1}
		}
		if s.current.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Lease is one connection's hold on the slot.
type Lease struct {
	slot     *OwnershipSlot
	identity string
	released atomic.Bool
}

func (l *Lease) Identity() string {
	return l.identity
}

// Release frees this hold. Only the first call has any effect.
func (l *Lease) Release() bool {
	if l.released.Swap(true) {
		return false
	}
	l.slot.release(l.identity)
	return true
}
