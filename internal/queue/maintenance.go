package queue

import (
	"context"
	"fmt"
)

// ReapStalled returns jobs whose lease expired to the delayed set so another
// worker can pick them up. It reports how many were moved.
func (q *Queue) ReapStalled(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("delayed")},
		millis(q.now()), q.jobPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reap stalled jobs: %w", err)
	}
	return n, nil
}

// Prune discards completed and failed jobs older than their retention windows
func (q *Queue) Prune(ctx context.Context) (int, error) {
	now := q.now()
	total := 0
	for _, set := range []struct {
		key  string
		keep int64
	}{
		{q.key("completed"), millis(now.Add(-q.opts.KeepCompleted))},
		{q.key("failed"), millis(now.Add(-q.opts.KeepFailed))},
	} {
		n, err := pruneScript.Run(ctx, q.client, []string{set.key}, set.keep, q.jobPrefix()).Int()
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", set.key, err)
		}
		total += n
	}
	return total, nil
}

// Stats returns the number of jobs in each state
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}
