package fanout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sensorrig/rig/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect[T any](b *Branch[T]) []T {
	var out []T
	for item := range b.C() {
		out = append(out, item)
	}
	return out
}

func TestEveryBranchSeesEveryItem(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d branches", n), func(t *testing.T) {
			source := make(chan int)
			d, branches, err := Distribute(context.Background(), source, n, BranchConfig{Name: "b", Capacity: 4})
			require.NoError(t, err)
			require.Len(t, branches, n)

			results := make([][]int, n)
			var wg sync.WaitGroup
			for i, b := range branches {
				wg.Add(1)
				go func(i int, b *Branch[int]) {
					defer wg.Done()
					results[i] = collect(b)
				}(i, b)
			}

			expected := make([]int, 100)
			for i := range expected {
				expected[i] = i
				source <- i
			}
			close(source)

			wg.Wait()
			require.NoError(t, d.Err())
			for _, r := range results {
				require.Equal(t, expected, r)
			}
		})
	}
}

func TestSourceClosed(t *testing.T) {
	source := make(chan string, 2)
	source <- "a"
	source <- "b"
	close(source)

	d, err := New(source, []BranchConfig{
		{Name: "recorder", Capacity: 2},
		{Name: "relay", Capacity: 2, Policy: PolicyDropOldest},
	})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))

	require.Equal(t, []string{"a", "b"}, collect(d.Branch("recorder")))
	require.Equal(t, []string{"a", "b"}, collect(d.Branch("relay")))
}

func TestConsumerGone(t *testing.T) {
	source := make(chan int)
	d, err := New(source, []BranchConfig{
		{Name: "recorder", Capacity: 1},
		{Name: "processing", Capacity: 1},
	})
	require.NoError(t, err)

	go func() {
		_ = d.Run(context.Background())
	}()

	source <- 1
	require.Equal(t, 1, <-d.Branch("recorder").C())

	d.Branch("processing").Detach()
	// fills recorder, then finds processing detached
	source <- 2

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("distributor did not stop")
	}
	err = d.Err()
	require.True(t, errors.IsFatal(err))
	require.Contains(t, err.Error(), "processing")

	// remaining outputs are closed
	for range d.Branch("recorder").C() {
	}
}

func TestDetachWhileBlocked(t *testing.T) {
	source := make(chan int)
	d, err := New(source, []BranchConfig{{Name: "slow"}})
	require.NoError(t, err)

	go func() {
		_ = d.Run(context.Background())
	}()

	// unbuffered branch nobody reads, so the distributor blocks here
	source <- 1
	d.Branch("slow").Detach()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("distributor stayed blocked on a detached branch")
	}
	require.True(t, errors.IsFatal(d.Err()))
}

func TestDropOldest(t *testing.T) {
	source := make(chan int, 5)
	for i := 0; i < 5; i++ {
		source <- i
	}
	close(source)

	d, err := New(source, []BranchConfig{{Name: "relay", Capacity: 2, Policy: PolicyDropOldest}})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))

	b := d.Branch("relay")
	require.Equal(t, []int{3, 4}, collect(b))
	require.Equal(t, uint64(3), b.Dropped())
}

func TestRejectNew(t *testing.T) {
	source := make(chan int, 5)
	for i := 0; i < 5; i++ {
		source <- i
	}
	close(source)

	obs := &countingObserver{}
	d, err := New(source,
		[]BranchConfig{{Name: "relay", Capacity: 2, Policy: PolicyRejectNew}},
		WithObserver[int](obs),
	)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))

	b := d.Branch("relay")
	require.Equal(t, []int{0, 1}, collect(b))
	require.Equal(t, uint64(3), b.Dropped())
	require.Equal(t, 5, obs.distributed)
	require.Equal(t, 3, obs.dropped["relay"])
}

func TestCancelWhileBlocked(t *testing.T) {
	source := make(chan int, 1)
	source <- 1

	d, err := New(source, []BranchConfig{{Name: "slow"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	require.ErrorIs(t, d.Run(ctx), context.Canceled)

	_, ok := <-d.Branch("slow").C()
	require.False(t, ok)
}

func TestSlowBranchHoldsOrder(t *testing.T) {
	source := make(chan int, 2)
	source <- 1
	source <- 2
	close(source)

	d, err := New(source, []BranchConfig{{Name: "slow"}, {Name: "fast", Capacity: 4}})
	require.NoError(t, err)
	go func() {
		_ = d.Run(context.Background())
	}()

	// item 1 is stuck on the slow branch, so fast cannot have it yet
	time.Sleep(20 * time.Millisecond)
	require.Len(t, d.Branch("fast").C(), 0)

	require.Equal(t, 1, <-d.Branch("slow").C())
	require.Equal(t, 1, <-d.Branch("fast").C())
	require.Equal(t, 2, <-d.Branch("slow").C())
	require.Equal(t, 2, <-d.Branch("fast").C())
	require.NoError(t, d.Err())
}

func TestInvalidBranches(t *testing.T) {
	source := make(chan int)
	for name, branches := range map[string][]BranchConfig{
		"none":          nil,
		"duplicate":     {{Name: "a"}, {Name: "a"}},
		"bad policy":    {{Name: "a", Policy: "newest"}},
		"unbuffered":    {{Name: "a", Policy: PolicyDropOldest}},
		"negative size": {{Name: "a", Capacity: -1}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(source, branches)
			require.Error(t, err)
		})
	}
}

type countingObserver struct {
	distributed int
	dropped     map[string]int
}

func (c *countingObserver) OnDistributed() {
	c.distributed++
}

func (c *countingObserver) OnDropped(branch string) {
	if c.dropped == nil {
		c.dropped = make(map[string]int)
	}
	c.dropped[branch]++
}
