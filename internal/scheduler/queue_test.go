package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ShayCichocki/cadence/pkg/models"
)

func rec(id string, p models.Priority, seq uint64, at time.Time) *record {
	return &record{task: &models.Task{ID: id, Priority: p}, seq: seq, effective: p, enqueuedAt: at}
}

func ids(q *queue) []string {
	var out []string
	for _, r := range q.items {
		out = append(out, r.task.ID)
	}
	return out
}

func TestQueue_PushKeepsOrder(t *testing.T) {
	now := time.Now()
	var q queue
	q.push(rec("m1", models.PriorityMedium, 1, now))
	q.push(rec("c1", models.PriorityCritical, 2, now))
	q.push(rec("m2", models.PriorityMedium, 3, now))
	q.push(rec("b1", models.PriorityBackground, 4, now))
	q.push(rec("c2", models.PriorityCritical, 5, now))

	assert.Equal(t, []string{"c1", "c2", "m1", "m2", "b1"}, ids(&q))
	assert.Equal(t, "c1", q.pop().task.ID)
	assert.Equal(t, 4, q.len())
}

func TestQueue_Remove(t *testing.T) {
	now := time.Now()
	var q queue
	a := rec("a", models.PriorityLow, 1, now)
	b := rec("b", models.PriorityLow, 2, now)
	q.push(a)
	q.push(b)

	assert.True(t, q.remove(a))
	assert.False(t, q.remove(a))
	assert.Equal(t, []string{"b"}, ids(&q))
	assert.Nil(t, (&queue{}).pop())
}

func TestQueue_AgeCapsAtCritical(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var q queue
	q.push(rec("high", models.PriorityHigh, 2, t0.Add(10*time.Minute)))
	q.push(rec("bg", models.PriorityBackground, 1, t0))

	q.age(t0.Add(10*time.Minute), time.Minute)
	assert.Equal(t, []string{"bg", "high"}, ids(&q))
	assert.Equal(t, models.PriorityCritical, q.items[0].effective)

	// Disabled aging leaves the queue alone.
	q.age(t0.Add(time.Hour), 0)
	assert.Equal(t, []string{"bg", "high"}, ids(&q))
}
