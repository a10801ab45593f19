package scheduler

import (
	"sort"
	"time"

	"github.com/ShayCichocki/cadence/pkg/models"
)

// queue holds queued records, highest effective priority first and FIFO
// within a tier.
type queue struct {
	items []*record
}

func before(a, b *record) bool {
	if a.effective != b.effective {
		return a.effective > b.effective
	}
	return a.seq < b.seq
}

// push inserts r at its sorted position.
func (q *queue) push(r *record) {
	i := sort.Search(len(q.items), func(i int) bool { return before(r, q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = r
}

func (q *queue) pop() *record {
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r
}

func (q *queue) remove(r *record) bool {
	for i, item := range q.items {
		if item == r {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *queue) len() int {
	return len(q.items)
}

// age boosts each record one tier per interval waited, capped at critical,
// and restores the ordering.
func (q *queue) age(now time.Time, interval time.Duration) {
	if interval <= 0 {
		return
	}
	changed := false
	for _, r := range q.items {
		boost := models.Priority(now.Sub(r.enqueuedAt) / interval)
		eff := r.task.Priority + boost
		if eff > models.PriorityCritical {
			eff = models.PriorityCritical
		}
		if eff != r.effective {
			r.effective = eff
			changed = true
		}
	}
	if changed {
		sort.SliceStable(q.items, func(i, j int) bool { return before(q.items[i], q.items[j]) })
	}
}
