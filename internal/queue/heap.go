package queue

import (
	"time"

	"github.com/google/uuid"
)

// item wraps a queue id with its scheduling key for the heap.
type item struct {
	ID        uuid.UUID
	Priority  int
	CreatedAt time.Time
	index     int
}

// queueHeap implements heap.Interface ordered by (priority ascending,
// creation time ascending). Lower numeric priority is serviced first; ties
// break FIFO.
type queueHeap []*item

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}

	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *queueHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	it.index = -1
	*h = old[:n-1]

	return it
}
