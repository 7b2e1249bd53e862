package scheduler

import "time"

// entry is one pending fire. Entries are ordered by (at, seq); seq is a
// process-local insertion counter so equal fire times keep FIFO order.
type entry struct {
	at   time.Time
	seq  uint64
	name string
}

func (e entry) less(o entry) bool {
	if !e.at.Equal(o.at) {
		return e.at.Before(o.at)
	}
	return e.seq < o.seq
}

// eventHeap implements heap.Interface over entries.
type eventHeap []entry

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return it
}
