// Package liquidation implements the liquidation engine (C6): a
// priority queue of (trader, market) liquidation jobs drained by a
// bounded worker pool, replacing the teacher's all-or-nothing
// AccountManager.Liquidate with a queue/retry based design per spec.md §4.4.
package liquidation

import (
	"container/heap"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Job is one liquidation attempt for a trader's position in a market.
type Job struct {
	Trader  common.Address
	Symbol  string
	Reason  string
	Attempt int

	// Priority is floor((MMR-equity)/MMR * 10000), higher means more
	// deeply underwater and more urgent to process first.
	Priority int64

	EarliestRunAt int64 // unix ts; job is not eligible before this time

	index int // heap bookkeeping
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].EarliestRunAt != h[j].EarliestRunAt {
		return h[i].EarliestRunAt < h[j].EarliestRunAt
	}
	return h[i].Priority > h[j].Priority
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x interface{}) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Queue is a bounded, priority-ordered job queue safe for concurrent use
// by one enqueuer and many workers. Once above MaxSize it evicts the
// single lowest-priority job (oldest on a priority tie) to make room,
// per spec.md §6's "bounded size with priority eviction" backpressure
// requirement.
type Queue struct {
	mu      sync.Mutex
	jobs    jobHeap
	pending map[string]*Job // trader|symbol -> job, de-duplicates re-enqueues
	MaxSize int
	closed  bool
}

func NewQueue(maxSize int) *Queue {
	return &Queue{pending: make(map[string]*Job), MaxSize: maxSize}
}

func jobKey(trader common.Address, symbol string) string {
	return trader.Hex() + "|" + symbol
}

// Push enqueues a job, replacing any still-pending job for the same
// (trader, market) rather than duplicating it.
func (q *Queue) Push(j *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := jobKey(j.Trader, j.Symbol)
	if existing, ok := q.pending[key]; ok {
		heap.Remove(&q.jobs, existing.index)
	}
	heap.Push(&q.jobs, j)
	q.pending[key] = j

	if q.MaxSize > 0 && q.jobs.Len() > q.MaxSize {
		q.evictLowestPriority()
	}
}

func (q *Queue) evictLowestPriority() {
	worstIdx := -1
	for i, j := range q.jobs {
		if worstIdx == -1 {
			worstIdx = i
			continue
		}
		cur := q.jobs[worstIdx]
		if j.Priority < cur.Priority || (j.Priority == cur.Priority && j.EarliestRunAt < cur.EarliestRunAt) {
			worstIdx = i
		}
	}
	if worstIdx == -1 {
		return
	}
	dropped := heap.Remove(&q.jobs, worstIdx).(*Job)
	delete(q.pending, jobKey(dropped.Trader, dropped.Symbol))
}

// Pop returns the next job that is ready to run (EarliestRunAt <= now).
// It never blocks: when the queue is closed, empty, or its next job is
// not yet due, it returns (nil, false) at once, so callers poll it.
func (q *Queue) Pop(now int64) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.jobs.Len() == 0 || q.jobs[0].EarliestRunAt > now {
		return nil, false
	}
	j := heap.Pop(&q.jobs).(*Job)
	delete(q.pending, jobKey(j.Trader, j.Symbol))
	return j, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
