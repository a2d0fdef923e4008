package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// RateCounter 速率计数器
// 总数用原子计数，速率按两个相邻时间窗口加权计算
type RateCounter struct {
	total    int64 // 总数（原子操作）
	rejected int64 // 被拒绝的数量（原子操作）

	windowMutex    sync.Mutex
	currentWindow  timeWindow
	previousWindow timeWindow
	windowDuration time.Duration
	now            func() time.Time
}

// timeWindow 时间窗口
type timeWindow struct {
	count     int64
	startTime time.Time
}

// NewRateCounter 创建速率计数器
func NewRateCounter(windowDuration time.Duration) *RateCounter {
	return newRateCounter(windowDuration, time.Now)
}

func newRateCounter(windowDuration time.Duration, now func() time.Time) *RateCounter {
	if windowDuration <= 0 {
		windowDuration = 60 * time.Second // 默认 60 秒窗口
	}

	start := now()
	return &RateCounter{
		windowDuration: windowDuration,
		currentWindow:  timeWindow{startTime: start},
		previousWindow: timeWindow{startTime: start.Add(-windowDuration)},
		now:            now,
	}
}

// Increment 增加计数
func (rc *RateCounter) Increment() {
	atomic.AddInt64(&rc.total, 1)

	rc.windowMutex.Lock()
	rc.rotate(rc.now())
	rc.currentWindow.count++
	rc.windowMutex.Unlock()
}

// Reject 记录一次被拒绝的输入，不计入速率
func (rc *RateCounter) Reject() {
	atomic.AddInt64(&rc.rejected, 1)
}

// GetTotal 获取总数
func (rc *RateCounter) GetTotal() int64 {
	return atomic.LoadInt64(&rc.total)
}

// GetRejected 获取被拒绝的数量
func (rc *RateCounter) GetRejected() int64 {
	return atomic.LoadInt64(&rc.rejected)
}

// GetRate 获取当前每秒速率
func (rc *RateCounter) GetRate() float64 {
	rc.windowMutex.Lock()
	defer rc.windowMutex.Unlock()

	now := rc.now()
	rc.rotate(now)

	window := rc.windowDuration.Seconds()
	currentElapsed := now.Sub(rc.currentWindow.startTime).Seconds()
	if currentElapsed <= 0 {
		currentElapsed = 1 // 避免除零
	}

	currentRate := float64(rc.currentWindow.count) / currentElapsed

	// 当前窗口时间很短时结合上一个窗口
	if currentElapsed < window {
		prevWeight := (window - currentElapsed) / window
		prevRate := float64(rc.previousWindow.count) / window
		return currentRate*(1-prevWeight) + prevRate*prevWeight
	}

	return currentRate
}

// rotate 惰性滚动窗口，调用方持有 windowMutex
func (rc *RateCounter) rotate(now time.Time) {
	elapsed := now.Sub(rc.currentWindow.startTime)
	if elapsed < rc.windowDuration {
		return
	}

	if elapsed < 2*rc.windowDuration {
		rc.previousWindow = rc.currentWindow
	} else {
		// 空闲超过一个完整窗口，上一窗口为空
		rc.previousWindow = timeWindow{startTime: now.Add(-rc.windowDuration)}
	}
	rc.currentWindow = timeWindow{startTime: now}
}

// GetStats 获取统计信息
func (rc *RateCounter) GetStats() RateStats {
	return RateStats{
		Total:    rc.GetTotal(),
		Rejected: rc.GetRejected(),
		Rate:     rc.GetRate(),
	}
}

// RateStats 统计信息
type RateStats struct {
	Total    int64   `json:"total"`
	Rejected int64   `json:"rejected"`
	Rate     float64 `json:"rate_per_second"`
}
