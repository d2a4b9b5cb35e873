package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/strahe/assessor-sync/batch"
	"github.com/strahe/assessor-sync/metrics"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/sink"
)

// Option 定义一个用于配置Engine的函数类型
type Option func(*Engine)

// WithConcurrency 设置每个作业的并发切片数
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithRetry 设置瞬时错误的重试策略
func WithRetry(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithBatchConfig 设置批大小调节参数
func WithBatchConfig(cfg batch.Config) Option {
	return func(e *Engine) {
		e.sizer = batch.NewSizer(cfg)
	}
}

// WithSampler 设置资源采样器
func WithSampler(s batch.Sampler) Option {
	return func(e *Engine) {
		if s != nil {
			e.sampler = s
		}
	}
}

// WithNotifier 设置通知分发器
func WithNotifier(n sink.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithEventHook 注册一个同步的审计事件观察者, 在事件写入台账后调用
func WithEventHook(fn func(models.AuditEvent)) Option {
	return func(e *Engine) {
		e.hook = fn
	}
}

// WithMaxRowErrors 设置切片允许的默认行错误数
func WithMaxRowErrors(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRowErrors = n
		}
	}
}

// WithPollInterval 设置事件流轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}
