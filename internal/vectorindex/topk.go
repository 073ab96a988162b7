package vectorindex

import (
	"container/heap"
	"sort"
)

// topK keeps the k best candidates seen so far.
type topK struct {
	k int
	h candidateHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(candidateHeap, 0, k+1)}
}

// better orders by distance, then chunk ID.
func better(a, b Candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ChunkID < b.ChunkID
}

func (t *topK) offer(c Candidate) {
	if t.k <= 0 {
		return
	}
	if len(t.h) < t.k {
		heap.Push(&t.h, c)
		return
	}
	if better(c, t.h[0]) {
		t.h[0] = c
		heap.Fix(&t.h, 0)
	}
}

// sorted returns the kept candidates best-first.
func (t *topK) sorted() []Candidate {
	out := make([]Candidate, len(t.h))
	copy(out, t.h)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// candidateHeap is a max-heap on "worse", so the root is the worst kept candidate.
type candidateHeap []Candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
