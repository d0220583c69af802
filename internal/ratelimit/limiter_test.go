package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock 返回一个可手动推进的时钟。
func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now },
		func(d time.Duration) { now = now.Add(d) }
}

func TestLimiter(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("窗口未满时放行", func(t *testing.T) {
		l := NewLimiter(2, 10)
		now, _ := fixedClock(base)
		l.nowFunc = now

		assert.True(t, l.Allow().Allowed)
		l.RecordSuccess()
		assert.True(t, l.Allow().Allowed)
	})

	t.Run("分钟窗口耗尽后拒绝并给出重试间隔", func(t *testing.T) {
		l := NewLimiter(2, 0)
		now, advance := fixedClock(base)
		l.nowFunc = now

		l.RecordSuccess()
		advance(10 * time.Second)
		l.RecordSuccess()

		decision := l.Allow()
		require.False(t, decision.Allowed)
		// 最老的记录在 50 秒后滑出窗口
		assert.Equal(t, 50*time.Second, decision.RetryAfter)
	})

	t.Run("时间推进后窗口滑动重新放行", func(t *testing.T) {
		l := NewLimiter(1, 0)
		now, advance := fixedClock(base)
		l.nowFunc = now

		l.RecordSuccess()
		require.False(t, l.Allow().Allowed)

		advance(61 * time.Second)
		assert.True(t, l.Allow().Allowed)
	})

	t.Run("两个窗口同时耗尽时取较长的重试间隔", func(t *testing.T) {
		l := NewLimiter(1, 1)
		now, _ := fixedClock(base)
		l.nowFunc = now

		l.RecordSuccess()

		decision := l.Allow()
		require.False(t, decision.Allowed)
		assert.Equal(t, time.Hour, decision.RetryAfter)
	})

	t.Run("小时窗口独立于分钟窗口", func(t *testing.T) {
		l := NewLimiter(0, 2)
		now, advance := fixedClock(base)
		l.nowFunc = now

		l.RecordSuccess()
		l.RecordSuccess()
		require.False(t, l.Allow().Allowed)

		// 推进一分钟解不开小时窗口
		advance(time.Minute)
		assert.False(t, l.Allow().Allowed)

		advance(60 * time.Minute)
		assert.True(t, l.Allow().Allowed)
	})

	t.Run("limit为0的窗口不生效", func(t *testing.T) {
		l := NewLimiter(0, 0)
		now, _ := fixedClock(base)
		l.nowFunc = now

		for i := 0; i < 100; i++ {
			require.True(t, l.Allow().Allowed)
			l.RecordSuccess()
		}
	})

	t.Run("Allow本身不消耗额度", func(t *testing.T) {
		l := NewLimiter(1, 0)
		now, _ := fixedClock(base)
		l.nowFunc = now

		for i := 0; i < 5; i++ {
			assert.True(t, l.Allow().Allowed)
		}
	})
}

func TestRateLimitedError(t *testing.T) {
	err := &RateLimitedError{RetryAfter: 42 * time.Second}
	assert.Contains(t, err.Error(), "43")
}
