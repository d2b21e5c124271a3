package pipeline

import "container/heap"

// pqItem is a queue entry. The item pointer is the handle callers keep for
// changePriority and remove; index is -1 once the item left the queue.
type pqItem[T any] struct {
	value    T
	priority float64
	seq      uint64
	index    int
}

// priorityQueue is a max-priority heap. Equal priorities dequeue in
// insertion order.
type priorityQueue[T any] struct {
	items []*pqItem[T]
	seq   uint64
}

func (q *priorityQueue[T]) Len() int { return len(q.items) }

func (q *priorityQueue[T]) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (q *priorityQueue[T]) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *priorityQueue[T]) Push(x any) {
	it := x.(*pqItem[T])
	it.index = len(q.items)
	q.items = append(q.items, it)
}

func (q *priorityQueue[T]) Pop() any {
	n := len(q.items)
	it := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	it.index = -1
	return it
}

func (q *priorityQueue[T]) push(v T, priority float64) *pqItem[T] {
	q.seq++
	it := &pqItem[T]{value: v, priority: priority, seq: q.seq}
	heap.Push(q, it)
	return it
}

func (q *priorityQueue[T]) popHead() *pqItem[T] {
	return heap.Pop(q).(*pqItem[T])
}

func (q *priorityQueue[T]) head() *pqItem[T] {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *priorityQueue[T]) changePriority(it *pqItem[T], priority float64) {
	if it.index < 0 {
		return
	}
	it.priority = priority
	heap.Fix(q, it.index)
}

func (q *priorityQueue[T]) remove(it *pqItem[T]) {
	if it.index < 0 {
		return
	}
	heap.Remove(q, it.index)
}
