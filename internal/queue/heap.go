package queue

import (
	"container/heap"

	"github.com/harrowgate/fetchcore/internal/task"
)

// admissionHeap is a max-heap over Pending task IDs keyed by
// (priority desc, created_at asc, admission cursor asc), per spec §4.7.
// The coordinator keeps the task records themselves in a map; the heap
// holds only IDs so it stays cheap to rebuild after any mutation.
type admissionHeap struct {
	ids  []string
	byID map[string]*task.Task
}

func (h admissionHeap) Len() int { return len(h.ids) }

func (h admissionHeap) Less(i, j int) bool {
	a, b := h.byID[h.ids[i]], h.byID[h.ids[j]]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.AdmissionAt < b.AdmissionAt
}

func (h admissionHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }

func (h *admissionHeap) Push(x any) { h.ids = append(h.ids, x.(string)) }

func (h *admissionHeap) Pop() any {
	old := h.ids
	n := len(old)
	id := old[n-1]
	h.ids = old[:n-1]
	return id
}

var _ heap.Interface = (*admissionHeap)(nil)

// Thin wrappers around container/heap so coordinator.go, which names a
// struct field "heap", never needs to import the package under that
// identifier.

func heapInit(h *admissionHeap)            { heap.Init(h) }
func heapPush(h *admissionHeap, id string) { heap.Push(h, id) }
func heapPop(h *admissionHeap) string      { return heap.Pop(h).(string) }
func heapRemoveAt(h *admissionHeap, i int) { heap.Remove(h, i) }
