// Package guard 为外部模型服务的调用加上限速与熔断。
package guard

import (
	"context"
	"errors"
	"time"

	"docsage-go/internal/config"
	"docsage-go/pkg/log"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrUnavailable 表示熔断器处于打开状态，调用被直接拒绝。
var ErrUnavailable = errors.New("upstream temporarily unavailable")

// Guard 组合了令牌桶限速器与熔断器。
type Guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// New 创建一个 Guard。RPS <= 0 时不限速。
func New(name string, rl config.RateLimitConfig) *Guard {
	var limiter *rate.Limiter
	if rl.RPS > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.RPS), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// 调用方取消的请求不算作上游故障
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("[Guard] 熔断器 %s 状态变更: %s -> %s", name, from, to)
		},
	})

	return &Guard{limiter: limiter, breaker: breaker}
}

// Do 等待令牌后在熔断器保护下执行 fn。
func Do[T any](ctx context.Context, g *Guard, fn func() (T, error)) (T, error) {
	var zero T
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, ErrUnavailable
		}
		return zero, err
	}
	return result.(T), nil
}
