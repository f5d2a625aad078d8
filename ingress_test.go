package flowrt

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkedIngressFIFOOrder(t *testing.T) {
	q := NewChunkedIngress()
	var order []int
	for i := 0; i < 5; i++ {
		n := i
		q.Push(func() { order = append(order, n) })
	}

	for q.Length() > 0 {
		task, ok := q.Pop()
		require.True(t, ok)
		task()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestChunkedIngressPopEmptyReturnsFalse(t *testing.T) {
	q := NewChunkedIngress()
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestChunkedIngressSpansMultipleChunks(t *testing.T) {
	q := NewChunkedIngress()
	const n = chunkSize*2 + 10
	for i := 0; i < n; i++ {
		i := i
		q.Push(func() {})
		_ = i
	}
	assert.Equal(t, n, q.Length())

	count := 0
	for {
		_, ok := q.Pop()
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, n, count)
	assert.Equal(t, 0, q.Length())
}

func TestChunkedIngressReusableAfterDraining(t *testing.T) {
	q := NewChunkedIngress()
	q.Push(func() {})
	q.Pop()

	var ran bool
	q.Push(func() { ran = true })
	task, ok := q.Pop()
	require.True(t, ok)
	task()
	assert.True(t, ran)
}

func TestRingQueuePushPopFIFO(t *testing.T) {
	r := NewRingQueue()
	var order []int
	for i := 0; i < 10; i++ {
		n := i
		r.Push(func() { order = append(order, n) })
	}
	for i := 0; i < 10; i++ {
		fn := r.Pop()
		require.NotNil(t, fn)
		fn()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	assert.Nil(t, r.Pop())
}

func TestRingQueueIsEmptyAndLength(t *testing.T) {
	r := NewRingQueue()
	assert.True(t, r.IsEmpty())
	assert.Equal(t, 0, r.Length())

	r.Push(func() {})
	assert.False(t, r.IsEmpty())
	assert.Equal(t, 1, r.Length())

	r.Pop()
	assert.True(t, r.IsEmpty())
}

func TestRingQueueOverflowAbsorbsBurstBeyondCapacity(t *testing.T) {
	r := NewRingQueue()
	total := ringBufferSize + 50
	for i := 0; i < total; i++ {
		assert.True(t, r.Push(func() {}))
	}
	assert.Equal(t, total, r.Length())

	count := 0
	for r.Pop() != nil {
		count++
	}
	assert.Equal(t, total, count)
}

func TestRingQueueConcurrentPushSingleConsumerPop(t *testing.T) {
	r := NewRingQueue()
	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	var pushed atomic.Int64
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				r.Push(func() { pushed.Add(1) })
			}
		}()
	}
	wg.Wait()

	total := producers * perProducer
	consumed := 0
	for consumed < total {
		if fn := r.Pop(); fn != nil {
			fn()
			consumed++
		}
	}
	assert.Equal(t, int64(total), pushed.Load())
	assert.True(t, r.IsEmpty())
}
