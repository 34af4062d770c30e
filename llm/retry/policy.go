package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/types"
)

// Policy 传输层重试策略。
// 只决定“同一个请求要不要再发一次”；模型输出校验失败后的纠错重试
// 由 structured 包按 Request.MaxRetries 处理，二者互不叠加。
type Policy struct {
	MaxRetries   int           // 额外重试次数，0 表示只调用一次
	InitialDelay time.Duration // 第一次重试前的等待
	MaxDelay     time.Duration // 单次等待上限
	Multiplier   float64       // 指数退避倍数
	Jitter       bool          // 是否加入 ±25% 抖动

	// ShouldRetry 判定错误是否可重试，默认使用 types.IsRetryable
	ShouldRetry func(err error) bool
	// OnRetry 在每次等待前调用，attempt 从 1 开始计数
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy 返回 LLM API 调用的默认策略。
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// normalized 返回补齐默认值后的副本，调用方传入的策略不会被修改。
func (p *Policy) normalized() Policy {
	out := *DefaultPolicy()
	if p != nil {
		out = *p
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.InitialDelay <= 0 {
		out.InitialDelay = time.Second
	}
	if out.MaxDelay < out.InitialDelay {
		out.MaxDelay = out.InitialDelay
	}
	if out.Multiplier < 1 {
		out.Multiplier = 2.0
	}
	if out.ShouldRetry == nil {
		out.ShouldRetry = types.IsRetryable
	}
	return out
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = 0.25
	}
	b.Reset()
	return b
}

// Do 调用 fn，遇到可重试错误时按策略退避后重试。
// 不可重试的错误原样返回；重试耗尽时返回包装了最后一次错误的 error，
// 错误码仍可通过 types.GetErrorCode 取得。
//
//	resp, err := retry.Do(ctx, policy, logger, func() (*llm.ChatResponse, error) {
//	    return inner.Completion(ctx, req)
//	})
func Do[T any](ctx context.Context, policy *Policy, logger *zap.Logger, fn func() (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := policy.normalized()

	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && !p.ShouldRetry(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Debug("retrying upstream call",
				zap.Int("attempt", attempts),
				zap.Int("max_retries", p.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(err))
			if p.OnRetry != nil {
				p.OnRetry(attempts, err, delay)
			}
		}),
	)
	if err == nil {
		if attempts > 1 {
			logger.Info("upstream call recovered", zap.Int("attempts", attempts))
		}
		return v, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	var zero T
	if ctx.Err() != nil || !p.ShouldRetry(err) {
		return zero, err
	}
	logger.Warn("upstream retries exhausted", zap.Int("attempts", attempts), zap.Error(err))
	return zero, fmt.Errorf("upstream call failed after %d attempts: %w", attempts, err)
}
