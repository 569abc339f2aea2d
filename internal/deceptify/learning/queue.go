package learning

import "sync"

// sampleQueue is an unbounded FIFO for many producers and one consumer.
// ready holds at most one pending wake-up.
type sampleQueue struct {
	mu    sync.Mutex
	items []Sample
	ready chan struct{}
}

func newSampleQueue() *sampleQueue {
	return &sampleQueue{ready: make(chan struct{}, 1)}
}

func (q *sampleQueue) push(s Sample) {
	q.mu.Lock()
	q.items = append(q.items, s)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *sampleQueue) pop() (Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Sample{}, false
	}
	s := q.items[0]
	q.items[0] = Sample{}
	q.items = q.items[1:]
	return s, true
}

func (q *sampleQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
