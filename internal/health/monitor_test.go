package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestMonitor(clock *fakeClock) *Monitor {
	m := NewMonitor(Config{
		Window:           5,
		FailureThreshold: 3,
		SampleTTL:        time.Minute,
		ExpectedInterval: 10 * time.Second,
	}, nil)
	m.SetClock(clock.Now)
	return m
}

// recorder 收集通知
type recorder struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *recorder) record(c StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChange(nil), r.changes...)
}

func TestMonitor_UnreachableAfterKFailures(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)
	rec := &recorder{}
	m.Subscribe(rec.record)

	assert.Equal(t, StatusUnknown, m.CurrentStatus("cvp-sg"))

	require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second), Reachable: true}))
	assert.Equal(t, StatusReachable, m.CurrentStatus("cvp-sg"))

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second)}))
	}
	assert.Equal(t, StatusReachable, m.CurrentStatus("cvp-sg"), "K-1 failures keep the cluster reachable")

	require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second)}))
	assert.Equal(t, StatusUnreachable, m.CurrentStatus("cvp-sg"))

	// 一次成功即恢复
	require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second), Reachable: true}))
	assert.Equal(t, StatusReachable, m.CurrentStatus("cvp-sg"))

	changes := rec.all()
	require.Len(t, changes, 3)
	assert.Equal(t, StatusUnknown, changes[0].From)
	assert.Equal(t, StatusUnreachable, changes[1].To)
	assert.Equal(t, StatusReachable, changes[2].To)
}

func TestMonitor_FailureStreakResetBySuccess(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	pattern := []bool{false, false, true, false, false, true}
	for _, ok := range pattern {
		require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second), Reachable: ok}))
	}
	assert.Equal(t, StatusReachable, m.CurrentStatus("cvp-sg"))
}

func TestMonitor_StaleAndDuplicateSamples(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)
	rec := &recorder{}
	m.Subscribe(rec.record)

	ts := clock.Advance(5 * time.Second)
	require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: ts, Reachable: true}))

	assert.ErrorIs(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: ts}), ErrStaleSample)
	assert.ErrorIs(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: ts.Add(-time.Second)}), ErrStaleSample)

	h, err := m.Get("cvp-sg")
	require.NoError(t, err)
	assert.Len(t, h.Window, 1, "dropped samples never enter the window")
	assert.Len(t, rec.all(), 1)
}

func TestMonitor_ExpiredAndInvalidSamples(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	old := clock.Now().Add(-2 * time.Minute)
	assert.ErrorIs(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: old}), ErrExpiredSample)
	assert.ErrorIs(t, m.Observe(Sample{Timestamp: clock.Now()}), ErrInvalidSample)
	assert.ErrorIs(t, m.Observe(Sample{ClusterID: "cvp-sg"}), ErrInvalidSample)
}

func TestMonitor_FutureSampleRejected(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	err := m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Now().Add(24 * time.Hour), Reachable: true})
	assert.ErrorIs(t, err, ErrFutureSample)

	// 被拒绝的样本不会挡住之后的正常样本
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(5 * time.Second), Reachable: true}))
	}
	clock.Advance(5 * time.Second)
	m.Sweep()
	assert.Equal(t, StatusReachable, m.CurrentStatus("cvp-sg"))

	// 容忍范围内的时钟偏差
	require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Now().Add(10 * time.Second), Reachable: true}))
}

func TestMonitor_ExpiredFailuresDoNotCount(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second), Reachable: true}))
	for i := 0; i < 2; i++ {
		require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second)}))
	}

	// 前两次失败已超过 TTL
	clock.Advance(10 * time.Minute)
	require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Now()}))

	h, err := m.Get("cvp-sg")
	require.NoError(t, err)
	assert.Len(t, h.Window, 1)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Equal(t, StatusReachable, h.Status)

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second)}))
	}
	h, _ = m.Get("cvp-sg")
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, StatusUnreachable, h.Status)
}

func TestMonitor_WindowBounded(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	for i := 0; i < 12; i++ {
		require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second), Reachable: i%2 == 0}))
	}
	h, err := m.Get("cvp-sg")
	require.NoError(t, err)
	assert.Len(t, h.Window, 5)
	assert.Equal(t, h.LastSampleAt, h.Window[4].Timestamp)

	// 超过 TTL 的样本被淘汰
	clock.Advance(2 * time.Minute)
	require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Now(), Reachable: true}))
	h, _ = m.Get("cvp-sg")
	assert.Len(t, h.Window, 1)
	assert.Equal(t, 100.0, h.SuccessRate)
}

func TestMonitor_SweepMarksSilentClusterUnreachable(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)
	rec := &recorder{}
	m.Subscribe(rec.record)

	m.Track("cvp-jp")
	require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Now(), Reachable: true}))

	clock.Advance(20 * time.Second)
	m.Sweep()
	assert.Equal(t, StatusUnknown, m.CurrentStatus("cvp-jp"), "two missed intervals are tolerated")

	clock.Advance(10 * time.Second)
	m.Sweep()
	assert.Equal(t, StatusUnreachable, m.CurrentStatus("cvp-jp"))
	assert.Equal(t, StatusUnreachable, m.CurrentStatus("cvp-sg"))

	// 再次 Sweep 不会重复通知
	clock.Advance(time.Minute)
	m.Sweep()

	var unreachable int
	for _, c := range rec.all() {
		if c.To == StatusUnreachable {
			unreachable++
			assert.Equal(t, "missed samples", c.Reason)
		}
	}
	assert.Equal(t, 2, unreachable)
}

func TestMonitor_Unsubscribe(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)
	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.record)

	require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second), Reachable: true}))
	unsubscribe()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Observe(Sample{ClusterID: "cvp-sg", Timestamp: clock.Advance(time.Second)}))
	}
	assert.Len(t, rec.all(), 1)
}

func TestMonitor_NotificationsInTimestampOrder(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(Config{Window: 10, FailureThreshold: 1, SampleTTL: time.Hour, ExpectedInterval: time.Second}, nil)
	m.SetClock(clock.Now)

	rec := &recorder{}
	m.Subscribe(func(c StatusChange) {
		// 放大投递窗口，后到的通知必须排队
		time.Sleep(time.Millisecond)
		rec.record(c)
	})

	base := clock.Now().Add(-30 * time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Observe(Sample{
				ClusterID: "cvp-sg",
				Timestamp: base.Add(time.Duration(i) * time.Second),
				Reachable: i%2 == 0,
			})
		}(i)
	}
	wg.Wait()

	changes := rec.all()
	require.NotEmpty(t, changes)
	for i := 1; i < len(changes); i++ {
		assert.True(t, changes[i].Timestamp.After(changes[i-1].Timestamp), "notifications must follow timestamp order")
		assert.Equal(t, changes[i-1].To, changes[i].From, "each transition starts where the previous one ended")
	}
}

func TestMonitor_ParallelClustersDoNotBlock(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			base := clock.Now().Add(-30 * time.Second)
			for i := 0; i < 20; i++ {
				_ = m.Observe(Sample{ClusterID: id, Timestamp: base.Add(time.Duration(i) * time.Second), Reachable: true})
			}
		}(id)
	}
	wg.Wait()

	snap := m.Snapshot()
	require.Len(t, snap, 4)
	for _, h := range snap {
		assert.Equal(t, StatusReachable, h.Status)
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m := NewMonitor(Config{ExpectedInterval: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
