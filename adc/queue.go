package adc

import "sync"

// stagingQueue hands finished requests from the completion path to the worker.
// The lock is held only to append or to swap the backing slices.
type stagingQueue struct {
	mx     sync.Mutex
	staged []int
}

func newStagingQueue(capacity int) *stagingQueue {
	return &stagingQueue{staged: make([]int, 0, capacity)}
}

// push never allocates as long as the queue was sized for every channel.
func (q *stagingQueue) push(idx int) {
	q.mx.Lock()
	q.staged = append(q.staged, idx)
	q.mx.Unlock()
}

// swap exchanges the staged entries with the caller's empty work list and
// returns them in arrival order.
func (q *stagingQueue) swap(work []int) []int {
	q.mx.Lock()
	staged := q.staged
	q.staged = work[:0]
	q.mx.Unlock()
	return staged
}

func (q *stagingQueue) len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.staged)
}
