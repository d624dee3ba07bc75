package service

import (
	"context"
	"coursehub_backend/internal/domain"
	"coursehub_backend/internal/domain/enrollment"
	"coursehub_backend/pkg/logger"
	"coursehub_backend/pkg/monitoring"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy 指数退避：base * 2^(attempt-1)，上限 max
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// CertificateWorker 消费签发队列：签发证书并挂接到选课，失败按策略重试，超过次数进入死信
type CertificateWorker struct {
	queue    CertificateQueue
	issuer   CertificateIssuer
	attacher CertificateAttacher
	policy   atomic.Pointer[RetryPolicy]
	now      func() time.Time
}

func NewCertificateWorker(queue CertificateQueue, issuer CertificateIssuer, attacher CertificateAttacher, policy RetryPolicy) *CertificateWorker {
	w := &CertificateWorker{queue: queue, issuer: issuer, attacher: attacher, now: time.Now}
	w.SetPolicy(policy)
	return w
}

// SetPolicy 配置热更新时调用
func (w *CertificateWorker) SetPolicy(p RetryPolicy) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	w.policy.Store(&p)
}

func (w *CertificateWorker) Policy() RetryPolicy {
	return *w.policy.Load()
}

// OnCourseCompleted 订阅 CourseCompletedEvent：未随完成一起签发证书的选课进入签发队列
func (w *CertificateWorker) OnCourseCompleted(ctx context.Context, msg EventMessage) error {
	var ev enrollment.CourseCompletedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return err
	}
	if ev.CertificateIssued {
		return nil
	}
	return w.queue.Enqueue(ctx, CertificateJob{
		EnrollmentID: ev.EnrollmentID,
		TenantID:     ev.TenantID,
		StudentID:    ev.StudentID,
		CourseID:     ev.CourseID,
		CompletedAt:  ev.OccurredAt,
	})
}

// Run 循环处理直到 ctx 取消
func (w *CertificateWorker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := w.ProcessOne(ctx, 2*time.Second); err != nil && ctx.Err() == nil {
			logger.Log.Error("Certificate worker error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOne 处理一个任务；队列为空时返回 false
func (w *CertificateWorker) ProcessOne(ctx context.Context, wait time.Duration) (bool, error) {
	job, err := w.queue.Dequeue(ctx, wait)
	if err != nil || job == nil {
		return false, err
	}

	certID, err := w.issuer.Issue(ctx, job.request())
	if err == nil {
		err = w.attacher.AttachCertificate(ctx, job.EnrollmentID, certID)
	}
	if err == nil {
		monitoring.CertificateIssuance.WithLabelValues("async", "ok").Inc()
		return true, nil
	}

	policy := w.Policy()
	job.Attempt++
	job.LastError = err.Error()
	fields := []zap.Field{
		zap.String("enrollment_id", job.EnrollmentID),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	}

	if permanent(err) || job.Attempt >= policy.MaxAttempts {
		monitoring.CertificateIssuance.WithLabelValues("async", "dead_letter").Inc()
		logger.Log.Error("Certificate issuance dead-lettered", fields...)
		return true, w.queue.DeadLetter(ctx, *job)
	}

	monitoring.CertificateIssuance.WithLabelValues("async", "retry").Inc()
	delay := policy.Backoff(job.Attempt)
	logger.Log.Warn("Certificate issuance failed, retrying", append(fields, zap.Duration("backoff", delay))...)
	return true, w.queue.RetryAt(ctx, *job, w.now().Add(delay))
}

// permanent 重试无法改变结果的错误
func permanent(err error) bool {
	switch domain.CodeOf(err) {
	case domain.CodeNotFound, domain.CodeInvalidState, domain.CodeAccessDenied, domain.CodeValidation:
		return true
	}
	return false
}
