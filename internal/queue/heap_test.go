package queue

import (
	"container/heap"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestQueueHeap_Ordering(t *testing.T) {
	now := time.Now()

	userLate := &item{ID: uuid.New(), Priority: 1, CreatedAt: now.Add(2 * time.Second)}
	userEarly := &item{ID: uuid.New(), Priority: 1, CreatedAt: now}
	background := &item{ID: uuid.New(), Priority: 10, CreatedAt: now.Add(-time.Hour)}

	h := make(queueHeap, 0)
	heap.Init(&h)
	heap.Push(&h, background)
	heap.Push(&h, userLate)
	heap.Push(&h, userEarly)

	// Lower priority value wins; FIFO within the same priority. An older
	// background item never preempts a user item.
	assert.Equal(t, userEarly.ID, heap.Pop(&h).(*item).ID)
	assert.Equal(t, userLate.ID, heap.Pop(&h).(*item).ID)
	assert.Equal(t, background.ID, heap.Pop(&h).(*item).ID)
}
