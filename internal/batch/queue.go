package batch

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrClosed is returned once a queue is closed and cannot satisfy the call.
var ErrClosed = errors.New("batch: queue closed")

// Options configures a Queue.
type Options struct {
	// Capacity bounds the number of buffered examples. Put blocks while the
	// queue is full.
	Capacity int
	// MinAfterDequeue is the number of examples that must remain buffered
	// after a shuffled dequeue. Ignored for ordered queues.
	MinAfterDequeue int
	Shuffle         bool
	// Rand picks examples in shuffled mode. A time-seeded source is used when nil.
	Rand *rand.Rand
}

// DefaultCapacity leaves room for three batches on top of the mixing buffer.
func DefaultCapacity(minQueueExamples, batchSize int) int {
	return minQueueExamples + 3*batchSize
}

// Queue is a bounded example buffer shared by producers and one consumer.
//
// A shuffled queue draws every example of a batch uniformly at random from
// the buffer and only releases a batch while MinAfterDequeue examples stay
// behind. An ordered queue accepts examples strictly by sequence number, so
// batches come out in upstream order no matter how many producers race.
type Queue struct {
	opts Options

	mu     sync.Mutex
	cond   *sync.Cond
	items  []Example
	next   int64
	closed bool
}

// NewQueue validates opts and returns an empty queue.
func NewQueue(opts Options) (*Queue, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("batch: capacity must be > 0 (got %d)", opts.Capacity)
	}
	if opts.MinAfterDequeue < 0 {
		return nil, fmt.Errorf("batch: min after dequeue must be >= 0 (got %d)", opts.MinAfterDequeue)
	}
	if opts.Shuffle && opts.MinAfterDequeue >= opts.Capacity {
		return nil, fmt.Errorf("batch: min after dequeue %d must be below capacity %d", opts.MinAfterDequeue, opts.Capacity)
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	q := &Queue{opts: opts, items: make([]Example, 0, opts.Capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Put adds ex. In ordered mode seq is the example's upstream position and Put
// blocks until every earlier position has been added; shuffled queues ignore
// seq. It returns ErrClosed if the queue is closed while waiting.
func (q *Queue) Put(seq int64, ex Example) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && (len(q.items) >= q.opts.Capacity || (!q.opts.Shuffle && seq != q.next)) {
		q.cond.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, ex)
	if !q.opts.Shuffle {
		q.next++
	}
	q.cond.Broadcast()
	return nil
}

// DequeueBatch removes n examples and packs them into a Batch. After Close it
// keeps serving while n examples remain, then returns ErrClosed.
func (q *Queue) DequeueBatch(n int) (Batch, error) {
	need := n
	if q.opts.Shuffle {
		need += q.opts.MinAfterDequeue
	}
	if n <= 0 || need > q.opts.Capacity {
		return Batch{}, fmt.Errorf("batch: cannot dequeue %d examples from a queue of capacity %d", n, q.opts.Capacity)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.items) < need {
		q.cond.Wait()
	}
	if len(q.items) < n {
		return Batch{}, ErrClosed
	}

	out := make([]Example, n)
	if q.opts.Shuffle {
		for i := range out {
			j := q.opts.Rand.Intn(len(q.items))
			last := len(q.items) - 1
			out[i] = q.items[j]
			q.items[j] = q.items[last]
			q.items[last] = Example{}
			q.items = q.items[:last]
		}
	} else {
		copy(out, q.items[:n])
		rest := copy(q.items, q.items[n:])
		clear(q.items[rest:])
		q.items = q.items[:rest]
	}
	q.cond.Broadcast()
	return NewBatch(out), nil
}

// Len reports the number of buffered examples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked caller. Pending Puts fail with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
