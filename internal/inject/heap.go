package inject

// slot is one reserved position in the injection order.
type slot struct {
	generation uint64
	startSeq   uint64
	filled     bool
	skip       bool
	text       string
}

// slotHeap is a min-heap on (generation, startSeq) for container/heap.
type slotHeap []*slot

func (h slotHeap) Len() int { return len(h) }

func (h slotHeap) Less(i, j int) bool {
	if h[i].generation != h[j].generation {
		return h[i].generation < h[j].generation
	}
	return h[i].startSeq < h[j].startSeq
}

func (h slotHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *slotHeap) Push(x any) {
	*h = append(*h, x.(*slot))
}

func (h *slotHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}
