package mediacache

import (
	"container/heap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
)

// lruItem is an entry's slot in its type's queue
type lruItem struct {
	entry *domain.CacheEntry
	index int
}

// lruQueue is a min-heap ordered by (LastAccessedAt, Seq)
type lruQueue []*lruItem

func (q lruQueue) Len() int { return len(q) }

func (q lruQueue) Less(i, j int) bool {
	return q[i].entry.OlderThan(q[j].entry)
}

func (q lruQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *lruQueue) Push(x any) {
	item := x.(*lruItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *lruQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// lru keeps one queue per media type. The globally least recently used
// entry is the oldest of the queue heads.
type lru struct {
	queues map[domain.MediaType]*lruQueue
}

func newLRU() *lru {
	l := &lru{queues: make(map[domain.MediaType]*lruQueue, len(domain.MediaTypes))}
	for _, mt := range domain.MediaTypes {
		l.queues[mt] = &lruQueue{}
	}
	return l
}

func (l *lru) push(item *lruItem) {
	heap.Push(l.queues[item.entry.MediaType], item)
}

func (l *lru) remove(item *lruItem) {
	if item.index < 0 {
		return
	}
	heap.Remove(l.queues[item.entry.MediaType], item.index)
}

// fix restores ordering after item's access time changed
func (l *lru) fix(item *lruItem) {
	heap.Fix(l.queues[item.entry.MediaType], item.index)
}

func (l *lru) oldest(mt domain.MediaType) *lruItem {
	q := l.queues[mt]
	if q == nil || q.Len() == 0 {
		return nil
	}
	return (*q)[0]
}

func (l *lru) globalOldest() *lruItem {
	var oldest *lruItem
	for _, mt := range domain.MediaTypes {
		head := l.oldest(mt)
		if head == nil {
			continue
		}
		if oldest == nil || head.entry.OlderThan(oldest.entry) {
			oldest = head
		}
	}
	return oldest
}

func (l *lru) reset(mt domain.MediaType) {
	l.queues[mt] = &lruQueue{}
}
