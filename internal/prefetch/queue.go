package prefetch

import "container/heap"

// taskItem wraps a Task with a sequence number so equal priorities drain in
// FIFO order.
type taskItem struct {
	task *Task
	seq  uint64
}

// taskHeap implements heap.Interface. Lower priority values dequeue first
// (a nearer, more urgent target has a smaller score).
type taskHeap []*taskItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*taskItem))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	*h = old[0 : n-1]
	return item
}

var _ heap.Interface = (*taskHeap)(nil)
