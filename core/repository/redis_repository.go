package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"workflow-orchestrator/core/models"

	"github.com/redis/go-redis/v9"
)

// RedisRepository stores each snapshot under its own key plus an index set of ids
type RedisRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisRepository creates a new Redis snapshot repository
func NewRedisRepository(client *redis.Client, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "workflow-orchestrator"
	}
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) key(id string) string {
	return fmt.Sprintf("%s:workflow:%s", r.prefix, id)
}

func (r *RedisRepository) indexKey() string {
	return r.prefix + ":workflows"
}

func (r *RedisRepository) Get(ctx context.Context, id string) (*models.Workflow, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return models.UnmarshalSnapshot(data)
}

func (r *RedisRepository) Put(ctx context.Context, w *models.Workflow) error {
	data, err := models.MarshalSnapshot(w)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(w.ID), data, 0)
		pipe.SAdd(ctx, r.indexKey(), w.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

func (r *RedisRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// index entry whose snapshot key is gone
			continue
		}
		w, err := models.UnmarshalSnapshot([]byte(s))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(id))
		pipe.SRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
