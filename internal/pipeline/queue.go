package pipeline

import "container/heap"

// execHeap orders queued contexts by execution priority, FIFO on ties.
type execHeap struct {
	items []*Context
	seq   map[*Context]int
	next  int
}

func newExecHeap() *execHeap {
	h := &execHeap{seq: make(map[*Context]int)}
	heap.Init(h)
	return h
}

func (h *execHeap) Len() int { return len(h.items) }

func (h *execHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return h.seq[a] < h.seq[b]
}

func (h *execHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *execHeap) Push(x any) {
	pctx := x.(*Context)
	h.seq[pctx] = h.next
	h.next++
	h.items = append(h.items, pctx)
}

func (h *execHeap) Pop() any {
	n := len(h.items)
	pctx := h.items[n-1]
	h.items = h.items[:n-1]
	delete(h.seq, pctx)
	return pctx
}

func (h *execHeap) push(pctx *Context) { heap.Push(h, pctx) }

func (h *execHeap) pop() *Context {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Context)
}
