package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store はジョブ記録の保存先です。状態の唯一の情報源であり、
// Update と Delete は読み取りから書き込みまでを原子的に行います。
type Store interface {
	Create(ctx context.Context, job *Job) error
	// Get は存在しない場合 ErrNotFound を返します。
	Get(ctx context.Context, id string) (*Job, error)
	// ListByOwner は作成日時の新しい順に返します。
	ListByOwner(ctx context.Context, ownerID string) ([]*Job, error)
	// ListByStatus は指定した状態のジョブを作成日時の古い順に返します。
	ListByStatus(ctx context.Context, status Status) ([]*Job, error)
	// Update は最新の記録に mutate を適用して保存します。mutate がエラーを返した場合は何も書き込みません。
	// mutate は競合時に再実行されることがあります。
	Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)
	// Delete は最新の記録に guard を適用し、nil ならその記録を削除します。
	Delete(ctx context.Context, id string, guard func(*Job) error) (*Job, error)
}

const (
	jobKeyPrefix   = "epubpdf:job:"
	ownerKeyPrefix = "epubpdf:owner:"
	allJobsKey     = "epubpdf:jobs"
	maxTxRetries   = 16
)

var errTooMuchContention = errors.New("job store: too much contention")

// RedisStore はジョブ記録を Redis に JSON で保存します。
// 所有者ごとの一覧と全件の索引はソート済みセット (スコア = 作成日時) で管理します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。ttl が 0 なら記録は期限切れになりません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は新しい記録を保存します。同じ ID が既にあればエラーです。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	member := redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, ownerKey(job.OwnerID), member)
		pipe.ZAdd(ctx, allJobsKey, member)
		return nil
	})
	return err
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeJob(data)
}

// ListByOwner は所有者のジョブを新しい順に返します。期限切れで消えた記録は索引からも取り除きます。
func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]*Job, error) {
	ids, err := s.rdb.ZRevRange(ctx, ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadIndexed(ctx, ownerKey(ownerID), ids, nil)
}

// ListByStatus は全件の索引を古い順に走査し、status のジョブだけを返します。
func (s *RedisStore) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	ids, err := s.rdb.ZRange(ctx, allJobsKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadIndexed(ctx, allJobsKey, ids, func(j *Job) bool {
		return j.Status == status
	})
}

// loadIndexed は ids の記録を索引の順に読み込みます。記録が消えていた ID は索引から取り除きます。
func (s *RedisStore) loadIndexed(ctx context.Context, index string, ids []string, keep func(*Job) bool) ([]*Job, error) {
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(job) {
			jobs = append(jobs, job)
		}
	}
	if len(stale) > 0 {
		_ = s.rdb.ZRem(ctx, index, stale...).Err()
	}
	return jobs, nil
}

// Update は WATCH による楽観ロックで記録を更新します。
func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	key := jobKey(id)
	var updated *Job
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}
		if err := mutate(job); err != nil {
			return err
		}
		job.ID = id
		if job.UpdatedAt.IsZero() {
			job.UpdatedAt = s.now()
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.keepTTL())
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete は guard を満たす場合に記録と索引を削除します。
func (s *RedisStore) Delete(ctx context.Context, id string, guard func(*Job) error) (*Job, error) {
	key := jobKey(id)
	var deleted *Job
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(job); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, ownerKey(job.OwnerID), id)
			pipe.ZRem(ctx, allJobsKey, id)
			return nil
		})
		if err == nil {
			deleted = job
		}
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errTooMuchContention
}

func (s *RedisStore) keepTTL() time.Duration {
	if s.ttl > 0 {
		return s.ttl
	}
	return redis.KeepTTL
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func ownerKey(ownerID string) string {
	return ownerKeyPrefix + ownerID + ":jobs"
}
