package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps jobs in Redis so they survive a process restart.
//
// <prefix>:due is a sorted set of intent ids scored by due time in
// milliseconds; <prefix>:jobs is a hash of intent id to job JSON. A job is
// claimed by whoever removes it from the sorted set; the payload stays in the
// hash until Ack.
type RedisQueue struct {
	client redis.UniversalClient
	dueKey string
	jobKey string
}

func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "paykeeper:settlement"
	}
	return &RedisQueue{
		client: client,
		dueKey: prefix + ":due",
		jobKey: prefix + ":jobs",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job models.SettlementJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey, job.IntentID, b)
		pipe.ZAdd(ctx, q.dueKey, redis.Z{
			Score:  float64(job.DueAt.UnixMilli()),
			Member: job.IntentID,
		})
		return nil
	})
	if err != nil {
		return queueErr("enqueue", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]models.SettlementJob, error) {
	if limit <= 0 {
		limit = 1
	}

	ids, err := q.client.ZRangeByScore(ctx, q.dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, queueErr("claim", err)
	}

	jobs := make([]models.SettlementJob, 0, len(ids))
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.dueKey, id).Result()
		if err != nil {
			return jobs, queueErr("claim", err)
		}
		if removed == 0 {
			// another worker got it first
			continue
		}

		raw, err := q.client.HGet(ctx, q.jobKey, id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return jobs, queueErr("claim", err)
		}

		var job models.SettlementJob
		if err := json.Unmarshal(raw, &job); err != nil {
			q.client.HDel(ctx, q.jobKey, id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Ack(ctx context.Context, intentID string) error {
	if err := q.client.HDel(ctx, q.jobKey, intentID).Err(); err != nil {
		return queueErr("ack", err)
	}
	return nil
}

func queueErr(op string, err error) error {
	return fmt.Errorf("queue error: %s: %w: %w", op, common.ErrStorage, err)
}
