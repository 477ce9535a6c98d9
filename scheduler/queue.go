package scheduler

import "container/heap"

// readyItem is one (client, group) pair waiting for a worker.
type readyItem struct {
	client   ClientID
	group    string // dag.GroupID in string form
	dagPrio  int64
	execPrio int64
	seq      int64 // FIFO tiebreaker among equal priority, ascending = older = first
	index    int   // heap.Interface bookkeeping
}

// readyQueue orders groups by spec §4.6's composite priority key: DAG
// priority, then execution priority, then FIFO among equal priorities,
// higher values running first (REDESIGN FLAGS / Open Question 3 resolves
// the DAG-vs-execution tie lexicographically rather than additively, for
// determinism).
type readyQueue struct {
	items []*readyItem
	seq   int64
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	heap.Init(q)
	return q
}

func (q *readyQueue) push(client ClientID, group string, dagPrio, execPrio int64) {
	q.seq++
	heap.Push(q, &readyItem{client: client, group: group, dagPrio: dagPrio, execPrio: execPrio, seq: q.seq})
}

// pop removes and returns the highest-priority item, or ok=false if empty.
func (q *readyQueue) pop() (item *readyItem, ok bool) {
	if q.Len() == 0 {
		return nil, false
	}
	return heap.Pop(q).(*readyItem), true
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.dagPrio != b.dagPrio {
		return a.dagPrio > b.dagPrio
	}
	if a.execPrio != b.execPrio {
		return a.execPrio > b.execPrio
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *readyQueue) Push(x interface{}) {
	item := x.(*readyItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *readyQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}
