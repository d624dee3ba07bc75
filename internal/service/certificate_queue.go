package service

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// CertificateJob 一次证书签发任务
type CertificateJob struct {
	EnrollmentID string    `json:"enrollmentId"`
	TenantID     string    `json:"tenantId"`
	StudentID    string    `json:"studentId"`
	CourseID     string    `json:"courseId"`
	CompletedAt  time.Time `json:"completedAt"`
	Attempt      int       `json:"attempt"`
	LastError    string    `json:"lastError,omitempty"`
}

func (j CertificateJob) request() CertificateRequest {
	return CertificateRequest{
		EnrollmentID: j.EnrollmentID,
		TenantID:     j.TenantID,
		StudentID:    j.StudentID,
		CourseID:     j.CourseID,
		CompletedAt:  j.CompletedAt,
	}
}

// CertificateQueue 就绪队列 + 延迟重试 + 死信
type CertificateQueue interface {
	Enqueue(ctx context.Context, job CertificateJob) error
	// Dequeue 最多等待 wait；无任务时返回 nil, nil
	Dequeue(ctx context.Context, wait time.Duration) (*CertificateJob, error)
	RetryAt(ctx context.Context, job CertificateJob, at time.Time) error
	DeadLetter(ctx context.Context, job CertificateJob) error
}

// RedisCertificateQueue LIST 作为就绪队列，ZSET 按到期时间保存重试任务
type RedisCertificateQueue struct {
	rdb     *redis.Client
	ready   string
	delayed string
	dead    string
	now     func() time.Time
}

func NewRedisCertificateQueue(rdb *redis.Client, key string) *RedisCertificateQueue {
	return &RedisCertificateQueue{
		rdb:     rdb,
		ready:   key,
		delayed: key + ":delayed",
		dead:    key + ":dead",
		now:     time.Now,
	}
}

func (q *RedisCertificateQueue) Enqueue(ctx context.Context, job CertificateJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.ready, data).Err()
}

func (q *RedisCertificateQueue) Dequeue(ctx context.Context, wait time.Duration) (*CertificateJob, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	res, err := q.rdb.BRPop(ctx, wait, q.ready).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// res[0] 为 key，res[1] 为值
	var job CertificateJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *RedisCertificateQueue) RetryAt(ctx context.Context, job CertificateJob, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.delayed, &redis.Z{Score: float64(at.UnixMilli()), Member: data}).Err()
}

func (q *RedisCertificateQueue) DeadLetter(ctx context.Context, job CertificateJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.dead, data).Err()
}

// promoteDue 将到期的延迟任务移回就绪队列；ZREM 成功者负责搬运，多实例下不会重复
func (q *RedisCertificateQueue) promoteDue(ctx context.Context) error {
	max := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{Min: "-inf", Max: max, Count: 100}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := q.rdb.ZRem(ctx, q.delayed, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.ready, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// MemoryCertificateQueue 进程内实现，Redis 未配置时及测试中使用
type MemoryCertificateQueue struct {
	mu      sync.Mutex
	ready   []CertificateJob
	delayed []delayedJob
	dead    []CertificateJob
	notify  chan struct{}
	now     func() time.Time
}

type delayedJob struct {
	job CertificateJob
	at  time.Time
}

func NewMemoryCertificateQueue() *MemoryCertificateQueue {
	return &MemoryCertificateQueue{notify: make(chan struct{}, 1), now: time.Now}
}

func (q *MemoryCertificateQueue) Enqueue(ctx context.Context, job CertificateJob) error {
	q.mu.Lock()
	q.ready = append(q.ready, job)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryCertificateQueue) Dequeue(ctx context.Context, wait time.Duration) (*CertificateJob, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if job, ok := q.pop(); ok {
			return &job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *MemoryCertificateQueue) pop() (CertificateJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.at.After(now) {
			q.ready = append(q.ready, d.job)
		} else {
			kept = append(kept, d)
		}
	}
	q.delayed = kept

	if len(q.ready) == 0 {
		return CertificateJob{}, false
	}
	job := q.ready[0]
	q.ready = q.ready[1:]
	return job, true
}

func (q *MemoryCertificateQueue) RetryAt(ctx context.Context, job CertificateJob, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, delayedJob{job: job, at: at})
	sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].at.Before(q.delayed[j].at) })
	return nil
}

func (q *MemoryCertificateQueue) DeadLetter(ctx context.Context, job CertificateJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, job)
	return nil
}

// Len 返回就绪、延迟、死信数量
func (q *MemoryCertificateQueue) Len() (ready, delayed, dead int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.delayed), len(q.dead)
}

// DeadLetters 死信快照
func (q *MemoryCertificateQueue) DeadLetters() []CertificateJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]CertificateJob(nil), q.dead...)
}
