// Package queue implements the reliable Redis queue protocol shared with the
// task producer and the janitor. Delivery is at-least-once: a pop moves the
// record onto a processing list and stamps a started time, and the ack
// removes all three traces atomically. A worker that dies mid-task leaves the
// record for the janitor to rescue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/animetop/mercari-crawler/internal/model"
)

// Queue keys. Hard compatibility contract with the cooperating producer and
// janitor processes; do not rename.
const (
	KeyTaskQueue       = "animetop:queue:tasks"
	KeyTaskProcessing  = "animetop:queue:tasks:processing"
	KeyTaskPendingSet  = "animetop:queue:tasks:pending"
	KeyTaskStartedHash = "animetop:queue:tasks:started"

	KeyResultQueue = "animetop:queue:results"
)

// ackTaskScript removes a completed task from the processing list, the dedup
// set and the started hash in one atomic step. The literal substring match on
// the task ID is intentional: task IDs are UUIDs, which JSON never escapes,
// and scanning beats decoding every entry. Shared byte-for-byte with the
// other worker implementations.
var ackTaskScript = redis.NewScript(`
local queue = KEYS[1]
local pending = KEYS[2]
local started = KEYS[3]
local taskId = ARGV[1]
local dedupKey = ARGV[2]

-- Iterate processing queue to find matching task
local tasks = redis.call('LRANGE', queue, 0, -1)
local removed = 0
for _, task in ipairs(tasks) do
    -- Check if JSON contains the task_id (plain string match for UUID with hyphens)
    if string.find(task, '"taskId":"' .. taskId .. '"', 1, true) then
        redis.call('LREM', queue, 1, task)
        removed = removed + 1
        break
    end
end

-- Remove from pending set (using dedup_key) and started hash (using task_id)
redis.call('SREM', pending, dedupKey)
redis.call('HDEL', started, taskId)

return removed
`)

// Queue is the worker-side client for the task and result lists.
type Queue struct {
	rdb *redis.Client
	now func() time.Time
}

// New creates a queue client over an existing Redis connection.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, now: time.Now}
}

// PopTask blocks up to timeout for a task, atomically moving it onto the
// processing list. Returns (nil, nil) when no task arrived. A record that
// fails to decode is logged and also reported as no task; it stays on the
// processing list for the janitor.
func (q *Queue) PopTask(ctx context.Context, timeout time.Duration) (*model.CrawlRequest, error) {
	raw, err := q.rdb.BRPopLPush(ctx, KeyTaskQueue, KeyTaskProcessing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop task: %w", err)
	}

	var task model.CrawlRequest
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		log.Error().Err(err).Str("raw", truncate(raw, 200)).Msg("task parse error")
		return nil, nil
	}

	if task.TaskID != "" {
		if err := q.rdb.HSet(ctx, KeyTaskStartedHash, task.TaskID, q.now().Unix()).Err(); err != nil {
			log.Warn().Err(err).Str("task_id", task.TaskID).Msg("failed to record task start time")
		}
	}

	log.Debug().
		Str("task_id", task.TaskID).
		Uint64("ip_id", task.IPID).
		Str("keyword", task.Keyword).
		Msg("task popped")
	return &task, nil
}

// PushResult encodes the response with compact separators and pushes it onto
// the result list.
func (q *Queue) PushResult(ctx context.Context, resp *model.CrawlResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := q.rdb.LPush(ctx, KeyResultQueue, data).Err(); err != nil {
		return fmt.Errorf("push result: %w", err)
	}

	log.Debug().
		Str("task_id", resp.TaskID).
		Uint64("ip_id", resp.IPID).
		Int("items", len(resp.Items)).
		Str("error", resp.ErrorMessage).
		Msg("result pushed")
	return nil
}

// AckTask atomically removes the task from the processing list, its dedup key
// from the pending set, and its entry from the started hash. Acking a task
// that is no longer on the processing list is not an error.
func (q *Queue) AckTask(ctx context.Context, task *model.CrawlRequest) error {
	if task.TaskID == "" {
		log.Warn().Uint64("ip_id", task.IPID).Msg("ack skipped: task has no id")
		return nil
	}

	removed, err := ackTaskScript.Run(ctx, q.rdb,
		[]string{KeyTaskProcessing, KeyTaskPendingSet, KeyTaskStartedHash},
		task.TaskID, task.DedupKey()).Int()
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}

	if removed > 0 {
		log.Debug().Str("task_id", task.TaskID).Uint64("ip_id", task.IPID).Msg("task acked")
	} else {
		log.Warn().Str("task_id", task.TaskID).Uint64("ip_id", task.IPID).Msg("ack found no matching processing entry")
	}
	return nil
}

// Depths returns the task and result list lengths.
func (q *Queue) Depths(ctx context.Context) (tasks, results int64, err error) {
	tasks, err = q.rdb.LLen(ctx, KeyTaskQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("task queue depth: %w", err)
	}
	results, err = q.rdb.LLen(ctx, KeyResultQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("result queue depth: %w", err)
	}
	return tasks, results, nil
}

// ProcessingCount returns the number of in-flight tasks across all workers.
func (q *Queue) ProcessingCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, KeyTaskProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("processing count: %w", err)
	}
	return n, nil
}

// HealthCheck reports whether Redis answers a ping.
func (q *Queue) HealthCheck(ctx context.Context) bool {
	return q.rdb.Ping(ctx).Err() == nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
