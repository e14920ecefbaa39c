package schedule

import "time"

// entry is one pending firing. gen invalidates entries left behind by
// pause/patch/cancel without having to search the heap.
type entry struct {
	at  time.Time
	id  string
	gen uint64
}

// entryHeap is a min-heap ordered by firing time, implementing
// container/heap.Interface.
type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(entry))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
