package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestOwnershipSlot(t *testing.T) {
	var slot OwnershipSlot
	_, ok := slot.Owner()
	require.False(t, ok)

	a1, ok := slot.TryAcquire("a")
	require.True(t, ok)
	owner, ok := slot.Owner()
	require.True(t, ok)
	require.Equal(t, "a", owner)

	_, ok = slot.TryAcquire("b")
	require.False(t, ok)

	// same identity shares the slot
	a2, ok := slot.TryAcquire("a")
	require.True(t, ok)

	require.True(t, a1.Release())
	require.False(t, a1.Release())
	owner, _ = slot.Owner()
	require.Equal(t, "a", owner)

	require.True(t, a2.Release())
	_, ok = slot.Owner()
	require.False(t, ok)

	b, ok := slot.TryAcquire("b")
	require.True(t, ok)
	require.Equal(t, "b", b.Identity())

	// a stale lease cannot free someone else's claim
	require.False(t, a2.Release())
	owner, _ = slot.Owner()
	require.Equal(t, "b", owner)
}

func TestOwnershipSlotContention(t *testing.T) {
	var slot OwnershipSlot
	var winners atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := slot.TryAcquire(fmt.Sprintf("viewer-%d", i)); ok {
				winners.Inc()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), winners.Load())
}
