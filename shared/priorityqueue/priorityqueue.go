package priorityqueue

import (
	"container/heap"
)

type Option[T any] func(queue *PriorityQueue[T])

// PriorityQueue is a min-heap on an int64 priority. Not safe for concurrent use.
type PriorityQueue[T any] struct {
	priorityQueue priorityQueue[T]
}

func WithPreallocateSize[T any](n int) Option[T] {
	return func(queue *PriorityQueue[T]) {
		queue.priorityQueue = make(priorityQueue[T], 0, n)
	}
}

func NewMinPriorityQueue[T any](options ...Option[T]) *PriorityQueue[T] {
	p := new(PriorityQueue[T])
	for _, option := range options {
		option(p)
	}
	heap.Init(&p.priorityQueue)
	return p
}

func (p *PriorityQueue[T]) Push(value T, priority int64) *Item[T] {
	item := &Item[T]{
		value:    value,
		priority: priority,
	}
	heap.Push(&p.priorityQueue, item)
	return item
}

func (p *PriorityQueue[T]) Pop() *Item[T] {
	return heap.Pop(&p.priorityQueue).(*Item[T])
}

// Peek returns the item with the lowest priority without removing it, nil when empty.
func (p *PriorityQueue[T]) Peek() *Item[T] {
	if len(p.priorityQueue) == 0 {
		return nil
	}
	return p.priorityQueue[0]
}

// Remove drops an item previously returned by Push. Removing twice is a no-op.
func (p *PriorityQueue[T]) Remove(item *Item[T]) {
	if item == nil || item.index < 0 || item.index >= len(p.priorityQueue) || p.priorityQueue[item.index] != item {
		return
	}
	heap.Remove(&p.priorityQueue, item.index)
}

func (p *PriorityQueue[T]) IsEmpty() bool {
	return p.priorityQueue.Len() == 0
}

func (p *PriorityQueue[T]) Size() int {
	return p.priorityQueue.Len()
}

func (p *PriorityQueue[T]) UpdatePriority(item *Item[T], priority int64) {
	item.priority = priority
	heap.Fix(&p.priorityQueue, item.index)
}

type Item[T any] struct {
	value    T
	priority int64

	index int
}

func (i *Item[T]) Value() T {
	return i.value
}

func (i *Item[T]) Priority() int64 {
	return i.priority
}

type priorityQueue[T any] []*Item[T]

func (pq priorityQueue[T]) Len() int { return len(pq) }

func (pq priorityQueue[T]) Less(i, j int) bool {
	return pq[i].priority < pq[j].priority
}

func (pq priorityQueue[T]) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue[T]) Push(x any) {
	item := x.(*Item[T])
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue[T]) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	item.index = -1 // for safety
	old[n-1] = nil  // avoid memory leak
	*pq = old[0 : n-1]
	return item
}
