package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(prev, next int) int { return prev + next }

func TestEmit_DeliversInSubscriptionOrder(t *testing.T) {
	e := New[int](nil)

	var got []string
	e.Subscribe(func(v int) { got = append(got, "a") })
	e.Subscribe(func(v int) { got = append(got, "b") })

	e.Emit(1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	e := New[int](nil)

	calls := 0
	unsub := e.Subscribe(func(int) { calls++ })

	e.Emit(1)
	unsub()
	unsub()
	e.Emit(2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.Len())
}

func TestUnsubscribe_OnlyRemovesOwnSubscriber(t *testing.T) {
	e := New[int](nil)

	var a, b int
	unsubA := e.Subscribe(func(v int) { a += v })
	e.Subscribe(func(v int) { b += v })

	unsubA()
	e.Emit(5)

	assert.Equal(t, 0, a)
	assert.Equal(t, 5, b)
}

func TestHold_CoalescesEmissions(t *testing.T) {
	e := New(sum)

	var got []int
	e.Subscribe(func(v int) { got = append(got, v) })

	release := e.Hold()
	e.Emit(1)
	e.Emit(2)
	e.Emit(3)
	assert.Empty(t, got, "nothing delivered while held")

	release()
	assert.Equal(t, []int{6}, got)
}

func TestHold_NestedReleasesOnce(t *testing.T) {
	e := New(sum)

	var got []int
	e.Subscribe(func(v int) { got = append(got, v) })

	outer := e.Hold()
	inner := e.Hold()
	e.Emit(1)
	inner()
	assert.Empty(t, got)

	e.Emit(1)
	outer()
	assert.Equal(t, []int{2}, got)
}

func TestHold_NoEmissionNoDelivery(t *testing.T) {
	e := New(sum)

	calls := 0
	e.Subscribe(func(int) { calls++ })

	release := e.Hold()
	release()
	release()

	assert.Equal(t, 0, calls)
}

func TestNilMerge_KeepsLatest(t *testing.T) {
	e := New[string](nil)

	var got []string
	e.Subscribe(func(v string) { got = append(got, v) })

	release := e.Hold()
	e.Emit("first")
	e.Emit("second")
	release()

	assert.Equal(t, []string{"second"}, got)
}

func TestSubscriberMayUnsubscribeDuringDelivery(t *testing.T) {
	e := New[int](nil)

	var unsub func()
	calls := 0
	unsub = e.Subscribe(func(int) {
		calls++
		unsub()
	})

	e.Emit(1)
	e.Emit(2)
	assert.Equal(t, 1, calls)
}

func TestEmit_ConcurrentSafe(t *testing.T) {
	e := New(sum)

	var mu sync.Mutex
	total := 0
	e.Subscribe(func(v int) {
		mu.Lock()
		total += v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(1)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, total)
}
