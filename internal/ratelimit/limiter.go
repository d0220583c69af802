package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// window 一个滑动窗口计数器。
//
// 保留窗口期内每次成功发送的时间戳，Allow 时先淘汰过期项再比较容量。
type window struct {
	size   time.Duration
	limit  int
	stamps []time.Time
}

// prune 淘汰窗口外的时间戳。
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}
}

// full 判断窗口是否已满。
func (w *window) full() bool {
	return w.limit > 0 && len(w.stamps) >= w.limit
}

// retryAfter 返回最老的一条记录还要多久过期。
func (w *window) retryAfter(now time.Time) time.Duration {
	if len(w.stamps) == 0 {
		return 0
	}
	return w.size - now.Sub(w.stamps[0])
}

// Limiter 全局外发限流器，两个互相独立的滑动窗口（如 60s 与 3600s）。
//
// 只有两个窗口都有余量时才放行；计数只在确认投递成功后递增，
// 被域名过滤或被限流拒绝的尝试都不消耗额度。limit 为 0 表示该窗口关闭。
type Limiter struct {
	mu      sync.Mutex
	minute  window
	hour    window
	nowFunc func() time.Time
}

// NewLimiter 创建限流器，perMinute/perHour 为 0 时对应窗口不生效。
func NewLimiter(perMinute, perHour int) *Limiter {
	return &Limiter{
		minute:  window{size: time.Minute, limit: perMinute},
		hour:    window{size: time.Hour, limit: perHour},
		nowFunc: time.Now,
	}
}

// Decision 一次限流判定的结果。
type Decision struct {
	Allowed bool
	// RetryAfter 是被拒时距离可重试的等待时长。两个窗口同时耗尽时
	// 取较长的那个。
	RetryAfter time.Duration
}

// Allow 判定当前是否允许一次外发。不消耗额度。
func (l *Limiter) Allow() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	l.minute.prune(now)
	l.hour.prune(now)

	var wait time.Duration
	denied := false
	if l.minute.full() {
		denied = true
		wait = l.minute.retryAfter(now)
	}
	if l.hour.full() {
		denied = true
		if hw := l.hour.retryAfter(now); hw > wait {
			wait = hw
		}
	}

	if denied {
		if wait < 0 {
			wait = 0
		}
		return Decision{Allowed: false, RetryAfter: wait}
	}
	return Decision{Allowed: true}
}

// RecordSuccess 在一次确认的服务商投递成功后记账。
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	if l.minute.limit > 0 {
		l.minute.stamps = append(l.minute.stamps, now)
	}
	if l.hour.limit > 0 {
		l.hour.stamps = append(l.hour.stamps, now)
	}
}

// RateLimitedError 限流拒绝错误，携带建议等待秒数。
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", int(e.RetryAfter.Seconds())+1)
}
