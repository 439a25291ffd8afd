package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Config 重试配置
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	// Retryable 自定义可重试判断，为空时使用 IsRetryable
	Retryable func(err error) bool
	Logger    *logrus.Logger
}

// DefaultConfig adb 命令的默认重试配置
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Strategy:        StrategyExponential,
		Logger:          logger,
	}
}

type classifiedError struct {
	error
	retryable bool
}

func (e *classifiedError) Unwrap() error {
	return e.error
}

// Transient 标记为可重试（例如 adb: device offline）
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{error: err, retryable: true}
}

// Permanent 标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{error: err, retryable: false}
}

// IsRetryable 默认判断：显式标记优先，context 取消/超时不重试，其余重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.retryable
	}

	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// IsTransient 是否被 Transient 显式标记
func IsTransient(err error) bool {
	var ce *classifiedError
	return errors.As(err, &ce) && ce.retryable
}

// Func 可重试的操作
type Func func(ctx context.Context) error

// Do 执行 fn，失败时按策略重试
func Do(ctx context.Context, cfg *Config, fn Func) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	logger := cfg.Logger
	if logger == nil {
		logger = DefaultConfig().Logger
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		interval := nextInterval(cfg.Strategy, cfg.InitialInterval, cfg.MaxInterval, attempt)
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     cfg.MaxAttempts,
			"wait":    interval,
			"error":   err.Error(),
		}).Warn("Operation failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult 带返回值的 Do
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func nextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}
