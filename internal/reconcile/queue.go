package reconcile

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
)

// dueItem is one entity waiting for its next poll
type dueItem struct {
	Entity contracts.EntityType
	ID     string
	Due    time.Time
	index  int
}

func (it *dueItem) key() string {
	return string(it.Entity) + ":" + it.ID
}

// DueQueue is a min-heap of next-poll-at times
// ⭐ SSOT: 엔티티별 다음 폴링 시각은 이 큐에서만 (타이머 분산 금지)
type DueQueue struct {
	mu    sync.Mutex
	items dueHeap
	index map[string]*dueItem
}

// NewDueQueue creates an empty queue
func NewDueQueue() *DueQueue {
	q := &DueQueue{index: make(map[string]*dueItem)}
	heap.Init(&q.items)
	return q
}

// Len returns the number of scheduled entities
func (q *DueQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Schedule sets the due time of an entity, adding it if absent
func (q *DueQueue) Schedule(entity contracts.EntityType, id string, due time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := &dueItem{Entity: entity, ID: id, Due: due}
	if existing, ok := q.index[it.key()]; ok {
		existing.Due = due
		heap.Fix(&q.items, existing.index)
		return
	}
	heap.Push(&q.items, it)
	q.index[it.key()] = it
}

// ScheduleIfAbsent adds an entity without disturbing an existing backoff
func (q *DueQueue) ScheduleIfAbsent(entity contracts.EntityType, id string, due time.Time) bool {
	q.mu.Lock()
	_, ok := q.index[string(entity)+":"+id]
	q.mu.Unlock()
	if ok {
		return false
	}
	q.Schedule(entity, id, due)
	return true
}

// Remove drops an entity from the schedule
func (q *DueQueue) Remove(entity contracts.EntityType, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.index[string(entity)+":"+id]; ok {
		heap.Remove(&q.items, it.index)
		delete(q.index, it.key())
	}
}

// PopDue removes and returns entities due at or before now, earliest first
func (q *DueQueue) PopDue(now time.Time, limit int) []dueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []dueItem
	for len(q.items) > 0 && !q.items[0].Due.After(now) {
		if limit > 0 && len(out) >= limit {
			break
		}
		it := heap.Pop(&q.items).(*dueItem)
		delete(q.index, it.key())
		out = append(out, *it)
	}
	return out
}

// NextDue returns the earliest due time
func (q *DueQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].Due, true
}

// dueHeap implements heap.Interface (earliest due first)
type dueHeap []*dueItem

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	return h[i].Due.Before(h[j].Due)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x interface{}) {
	it := x.(*dueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
