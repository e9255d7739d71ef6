package grbl

import (
	"container/heap"
	"sync"
	"time"
)

type queueItem struct {
	priority int
	seq      int64
	id       int64
	text     string
}

type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	// FIFO among equal priorities; motion commands must not reorder
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(queueItem))
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// commandQueue is a thread-safe priority queue of pending commands.
// Lower priority values dispatch first; ties break on a monotonic
// sequence stamp so equal-priority commands keep submission order.
type commandQueue struct {
	mx     sync.Mutex
	items  itemHeap
	seq    int64
	notify chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{notify: make(chan struct{}, 1)}
}

func (q *commandQueue) push(priority int, id int64, text string) {
	q.mx.Lock()
	q.seq++
	heap.Push(&q.items, queueItem{priority: priority, seq: q.seq, id: id, text: text})
	q.mx.Unlock()
	q.wake()
}

// requeue puts an item back with its original sequence stamp, so a
// command deferred by flow control keeps its place among its peers.
func (q *commandQueue) requeue(it queueItem) {
	q.mx.Lock()
	heap.Push(&q.items, it)
	q.mx.Unlock()
	q.wake()
}

func (q *commandQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes the highest-urgency item, waiting up to timeout for one
// to arrive.
func (q *commandQueue) pop(timeout time.Duration) (queueItem, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mx.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(queueItem)
			q.mx.Unlock()
			return it, true
		}
		q.mx.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return queueItem{}, false
		}
		select {
		case <-q.notify:
		case <-time.After(wait):
			return queueItem{}, false
		}
	}
}

// drain removes and returns everything still queued.
func (q *commandQueue) drain() []queueItem {
	q.mx.Lock()
	defer q.mx.Unlock()
	items := make([]queueItem, 0, len(q.items))
	for q.items.Len() > 0 {
		items = append(items, heap.Pop(&q.items).(queueItem))
	}
	return items
}

func (q *commandQueue) len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items)
}
