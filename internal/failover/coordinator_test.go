package failover

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/cluster"
	"github.com/Mieluoxxx/cvp-standby/internal/db"
	"github.com/Mieluoxxx/cvp-standby/internal/device"
	"github.com/Mieluoxxx/cvp-standby/internal/dispatcher"
	"github.com/Mieluoxxx/cvp-standby/internal/events"
	"github.com/Mieluoxxx/cvp-standby/internal/health"
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"github.com/Mieluoxxx/cvp-standby/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	primaryID   = "cvp-sg"
	secondaryID = "cvp-jp"
	stability   = 2 * time.Minute
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type harness struct {
	t        *testing.T
	clock    *fakeClock
	db       *gorm.DB
	clusters *cluster.Registry
	devices  *device.Registry
	monitor  *health.Monitor
	events   *events.Service
	pub      *notify.MemoryPublisher
	coord    *Coordinator
	ids      []string
}

// newHarness 搭建 apac 区域：一主一备，n 台设备，配置权在主集群
func newHarness(t *testing.T, mode models.DeploymentMode, n int) *harness {
	database, err := db.OpenInMemory()
	require.NoError(t, err)

	h := &harness{
		t:     t,
		clock: &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		db:    database,
		pub:   notify.NewMemoryPublisher(),
	}

	h.clusters = cluster.NewRegistry(cluster.NewRepository(database))
	require.NoError(t, h.clusters.RegisterCluster(&models.Cluster{ID: primaryID, Region: "apac", Role: models.RolePrimary, Mode: mode}))
	require.NoError(t, h.clusters.RegisterCluster(&models.Cluster{ID: secondaryID, Region: "apac", Role: models.RoleSecondary, Mode: mode}))

	h.devices = device.NewRegistry(h.clusters, device.NewRepository(database))
	for i := 0; i < n; i++ {
		bound := []string{primaryID}
		if mode == models.ModeWarm {
			bound = append(bound, secondaryID)
		}
		id := fmt.Sprintf("leaf-%02d", i)
		require.NoError(t, h.devices.Register(&models.Device{ID: id, Region: "apac", BoundClusters: bound, Authority: primaryID}))
		h.ids = append(h.ids, id)
	}

	h.events = events.NewService(database, h.pub, nil)
	h.coord = h.newCoordinator()

	h.monitor = health.NewMonitor(health.Config{
		Window:           10,
		FailureThreshold: 3,
		SampleTTL:        time.Hour,
		ExpectedInterval: 10 * time.Second,
	}, nil)
	h.monitor.SetClock(h.clock.Now)
	h.monitor.Subscribe(h.coord.HandleStatusChange)
	return h
}

func (h *harness) newCoordinator() *Coordinator {
	d := dispatcher.New(h.devices, h.pub, 4, nil)
	c := New(Config{StabilityPeriod: stability}, h.clusters, h.devices, d, h.events, NewStateStore(h.db), nil)
	c.SetClock(h.clock.Now)
	require.NoError(h.t, c.Load())
	return c
}

func (h *harness) samples(clusterID string, reachable bool, n int) {
	for i := 0; i < n; i++ {
		require.NoError(h.t, h.monitor.Observe(health.Sample{
			ClusterID: clusterID,
			Timestamp: h.clock.Advance(time.Second),
			Reachable: reachable,
		}))
	}
}

func (h *harness) assertStates(want models.PairState) {
	for _, id := range h.ids {
		st, err := h.coord.State(id)
		require.NoError(h.t, err)
		assert.Equal(h.t, want, st.State, "device %s", id)
	}
}

func (h *harness) assertAuthority(want string) {
	for _, id := range h.ids {
		d, err := h.devices.Get(id)
		require.NoError(h.t, err)
		assert.Equal(h.t, want, d.Authority, "device %s", id)
	}
}

func (h *harness) failoverEvents() []models.FailoverEvent {
	list, err := h.events.ListFailoverEvents("", 0)
	require.NoError(h.t, err)
	return list
}

func (h *harness) clusterStatus(id string) models.ClusterStatus {
	c, err := h.clusters.GetCluster(id)
	require.NoError(h.t, err)
	return c.Status
}

// rebindTo 模拟外部恢复流程：gold 设备改为只注册到 clusterID
func (h *harness) rebindTo(clusterID string) {
	for _, id := range h.ids {
		d, err := h.devices.Get(id)
		require.NoError(h.t, err)
		for _, bound := range d.BoundClusters {
			require.NoError(h.t, h.devices.Unbind(id, bound))
		}
		require.NoError(h.t, h.devices.Bind(id, clusterID))
	}
}

// ==================== 场景测试 ====================

func TestScenarioA_WarmPrimaryFailureAutoPromotes(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 5)

	h.samples(primaryID, false, 5)

	assert.Equal(t, health.StatusUnreachable, h.monitor.CurrentStatus(primaryID))
	h.assertStates(models.StateFailedOver)
	h.assertAuthority(secondaryID)

	list := h.failoverEvents()
	require.Len(t, list, 1)
	assert.Equal(t, models.TriggerAutomatic, list[0].TriggeredBy)
	assert.Equal(t, primaryID, list[0].FromCluster)
	assert.Equal(t, secondaryID, list[0].ToCluster)
	assert.ElementsMatch(t, h.ids, list[0].DeviceIDs)

	assert.Equal(t, models.StatusUnreachable, h.clusterStatus(primaryID))
	assert.Equal(t, models.StatusActive, h.clusterStatus(secondaryID))

	assert.Len(t, h.pub.Authorities(), 5)
	assert.Len(t, h.pub.Failovers(), 1)
}

func TestScenarioB_GoldStaysDegradedUntilManualPromote(t *testing.T) {
	h := newHarness(t, models.ModeGold, 3)
	ctx := context.Background()

	h.samples(primaryID, false, 5)

	h.assertStates(models.StateDegraded)
	h.assertAuthority(primaryID)
	assert.Empty(t, h.failoverEvents(), "gold never promotes on its own")

	alerts := h.pub.Alerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, models.EventTypeDegraded, alerts[len(alerts)-1].Type)

	// 经过很久的稳定期检查也不会自动提升
	h.clock.Advance(10 * stability)
	h.coord.Evaluate(ctx)
	h.assertStates(models.StateDegraded)

	_, err := h.coord.Promote(ctx, Command{Target: secondaryID})
	assert.ErrorIs(t, err, ErrRestoreRequired)
	h.assertAuthority(primaryID)
	h.assertStates(models.StateDegraded)

	h.rebindTo(secondaryID)
	result, err := h.coord.Promote(ctx, Command{Target: secondaryID, Reason: "dr drill"})
	require.NoError(t, err)
	assert.ElementsMatch(t, h.ids, result.Applied)

	h.assertStates(models.StateFailedOver)
	h.assertAuthority(secondaryID)

	list := h.failoverEvents()
	require.Len(t, list, 1)
	assert.Equal(t, models.TriggerManual, list[0].TriggeredBy)
	assert.Equal(t, "dr drill", list[0].Reason)
	assert.Equal(t, models.StatusActive, h.clusterStatus(secondaryID))
}

func TestScenarioB_RestoreRequiredIsAllOrNothing(t *testing.T) {
	h := newHarness(t, models.ModeGold, 3)
	ctx := context.Background()
	h.samples(primaryID, false, 3)

	// 只恢复了部分设备
	require.NoError(t, h.devices.Unbind("leaf-00", primaryID))
	require.NoError(t, h.devices.Bind("leaf-00", secondaryID))

	_, err := h.coord.Promote(ctx, Command{Target: secondaryID})
	require.ErrorIs(t, err, ErrRestoreRequired)
	assert.Contains(t, err.Error(), "leaf-01")

	d, _ := h.devices.Get("leaf-00")
	assert.Empty(t, d.Authority, "no device is touched when the command is rejected")
	h.assertStates(models.StateDegraded)

	// 只提升已恢复的设备
	result, err := h.coord.Promote(ctx, Command{Target: secondaryID, DeviceIDs: []string{"leaf-00"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf-00"}, result.Applied)
}

func TestScenarioC_DoubleFaultIsTerminal(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 3)
	ctx := context.Background()

	h.samples(primaryID, false, 3)
	h.assertStates(models.StateFailedOver)

	h.samples(secondaryID, false, 3)
	h.assertStates(models.StateUnmanaged)

	var critical int
	for _, a := range h.pub.Alerts() {
		if a.Level == models.EventLevelCritical {
			critical++
			assert.Equal(t, models.EventTypeDoubleFault, a.Type)
			assert.ElementsMatch(t, h.ids, a.DeviceIDs)
		}
	}
	assert.Equal(t, 1, critical)

	// 任一集群恢复都不会自动解除
	h.samples(primaryID, true, 1)
	h.samples(secondaryID, true, 1)
	h.clock.Advance(3 * stability)
	h.coord.Evaluate(ctx)
	h.clock.Advance(3 * stability)
	h.coord.Evaluate(ctx)
	h.assertStates(models.StateUnmanaged)
	h.assertAuthority(secondaryID)

	_, err := h.coord.Promote(ctx, Command{Target: secondaryID, DeviceIDs: []string{"leaf-00"}})
	assert.ErrorIs(t, err, ErrUnmanaged)

	// 人工指定归属
	result, err := h.coord.Resolve(ctx, "leaf-00", primaryID, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf-00"}, result.Applied)

	st, err := h.coord.State("leaf-00")
	require.NoError(t, err)
	assert.Equal(t, models.StateNormal, st.State)
	assert.Equal(t, primaryID, st.Authority)

	_, err = h.coord.Resolve(ctx, "leaf-00", primaryID, "")
	assert.ErrorIs(t, err, ErrNotUnmanaged)

	result, err = h.coord.Resolve(ctx, "leaf-01", secondaryID, "keep on secondary")
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf-01"}, result.Unchanged)
	st, _ = h.coord.State("leaf-01")
	assert.Equal(t, models.StateFailedOver, st.State)
}

func TestScenarioC_WarmPrimaryDownWithSecondaryAlreadyDown(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 2)

	h.samples(secondaryID, false, 3)
	h.assertStates(models.StateNormal)

	h.samples(primaryID, false, 3)
	h.assertStates(models.StateUnmanaged)
	h.assertAuthority(primaryID)
	assert.Empty(t, h.failoverEvents())
}

func TestScenarioD_WarmAutoRestoreAfterStability(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 4)
	ctx := context.Background()

	h.samples(primaryID, false, 3)
	h.assertStates(models.StateFailedOver)

	h.samples(primaryID, true, 1)
	assert.Equal(t, models.StatusStandbyWarm, h.clusterStatus(primaryID))

	// 稳定期未满
	h.clock.Advance(stability / 2)
	h.coord.Evaluate(ctx)
	h.assertStates(models.StateFailedOver)

	h.clock.Advance(stability)
	h.coord.Evaluate(ctx)
	h.assertStates(models.StateRecovering)
	h.assertAuthority(secondaryID)

	h.clock.Advance(stability)
	h.coord.Evaluate(ctx)
	h.assertStates(models.StateRestored)
	h.assertAuthority(primaryID)

	list := h.failoverEvents()
	require.Len(t, list, 2)
	assert.Equal(t, secondaryID, list[0].FromCluster, "newest event is the restore")
	assert.Equal(t, primaryID, list[0].ToCluster)
	assert.Equal(t, models.TriggerAutomatic, list[0].TriggeredBy)

	assert.Equal(t, models.StatusActive, h.clusterStatus(primaryID))
	assert.Equal(t, models.StatusStandbyWarm, h.clusterStatus(secondaryID))

	// Restored 之后再次故障会重新切换
	h.samples(primaryID, false, 3)
	h.assertStates(models.StateFailedOver)
	assert.Len(t, h.failoverEvents(), 3)
}

// ==================== 边界情况 ====================

func TestFlapDuringRecoveringReturnsToFailedOver(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 2)
	ctx := context.Background()

	h.samples(primaryID, false, 3)
	h.samples(primaryID, true, 1)
	h.clock.Advance(stability)
	h.coord.Evaluate(ctx)
	h.assertStates(models.StateRecovering)

	h.samples(primaryID, false, 3)
	h.assertStates(models.StateFailedOver)
	h.assertAuthority(secondaryID)
	assert.Len(t, h.failoverEvents(), 1, "a flap never moves authority")

	// 重新计时
	h.samples(primaryID, true, 1)
	h.clock.Advance(stability / 2)
	h.coord.Evaluate(ctx)
	h.assertStates(models.StateFailedOver)
}

func TestGoldPrimaryBackBeforePromotion(t *testing.T) {
	h := newHarness(t, models.ModeGold, 2)

	h.samples(primaryID, false, 3)
	h.assertStates(models.StateDegraded)

	h.samples(primaryID, true, 1)
	h.assertStates(models.StateNormal)
	h.assertAuthority(primaryID)
	assert.Equal(t, models.StatusActive, h.clusterStatus(primaryID))
	assert.Equal(t, models.StatusStandbyCold, h.clusterStatus(secondaryID))
}

func TestGoldColdSecondaryIsNotDoubleFault(t *testing.T) {
	h := newHarness(t, models.ModeGold, 1)

	// 关机的备集群被判为不可达
	h.samples(secondaryID, false, 3)
	h.samples(primaryID, false, 3)
	h.assertStates(models.StateDegraded)
}

func TestGoldManualRestore(t *testing.T) {
	h := newHarness(t, models.ModeGold, 2)
	ctx := context.Background()

	h.samples(primaryID, false, 3)
	h.rebindTo(secondaryID)
	_, err := h.coord.Promote(ctx, Command{Target: secondaryID})
	require.NoError(t, err)

	h.samples(primaryID, true, 1)
	h.clock.Advance(stability)
	h.coord.Evaluate(ctx)
	h.assertStates(models.StateRecovering)

	// gold 不会自动回切
	h.clock.Advance(3 * stability)
	h.coord.Evaluate(ctx)
	h.assertStates(models.StateRecovering)
	h.assertAuthority(secondaryID)

	_, err = h.coord.Restore(ctx, Command{Target: primaryID})
	assert.ErrorIs(t, err, ErrRestoreRequired)

	h.rebindTo(primaryID)
	result, err := h.coord.Restore(ctx, Command{Target: primaryID})
	require.NoError(t, err)
	assert.Len(t, result.Applied, 2)

	h.assertStates(models.StateRestored)
	h.assertAuthority(primaryID)
	require.Len(t, h.failoverEvents(), 2)
	assert.Equal(t, models.TriggerManual, h.failoverEvents()[0].TriggeredBy)
}

func TestWarmManualRestoreBeforeStability(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 2)
	ctx := context.Background()

	h.samples(primaryID, false, 3)
	h.samples(primaryID, true, 1)

	// 稳定期未满时普通回切不处理 failed_over 设备
	result, err := h.coord.Restore(ctx, Command{Target: primaryID})
	require.NoError(t, err)
	assert.Empty(t, result.Applied)
	h.assertStates(models.StateFailedOver)
	h.assertAuthority(secondaryID)

	result, err = h.coord.Restore(ctx, Command{Target: primaryID, Force: true})
	require.NoError(t, err)
	assert.Len(t, result.Applied, 2)
	h.assertStates(models.StateRestored)
	h.assertAuthority(primaryID)
}

func TestPromoteFollowsDeviceBindings(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 2)

	// 第二个备集群的 ID 排在前面，只有 leaf-hk 注册到它
	require.NoError(t, h.clusters.RegisterCluster(&models.Cluster{ID: "cvp-hk", Region: "apac", Role: models.RoleSecondary, Mode: models.ModeWarm}))
	require.NoError(t, h.devices.Register(&models.Device{ID: "leaf-hk", Region: "apac", BoundClusters: []string{primaryID, "cvp-hk"}, Authority: primaryID}))

	h.samples(primaryID, false, 3)

	h.assertStates(models.StateFailedOver)
	h.assertAuthority(secondaryID)

	st, err := h.coord.State("leaf-hk")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailedOver, st.State)
	assert.Equal(t, "cvp-hk", st.Authority)

	list := h.failoverEvents()
	require.Len(t, list, 2)
	targets := []string{list[0].ToCluster, list[1].ToCluster}
	assert.ElementsMatch(t, []string{"cvp-hk", secondaryID}, targets)
	for _, e := range list {
		assert.Equal(t, models.TriggerAutomatic, e.TriggeredBy)
	}
}

func TestWarmDegradedDeviceRetriedOnEvaluate(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 1)
	ctx := context.Background()

	// 只注册到主集群的设备暂时无处可去
	require.NoError(t, h.devices.Register(&models.Device{ID: "leaf-new", Region: "apac", BoundClusters: []string{primaryID}, Authority: primaryID}))

	h.samples(primaryID, false, 3)
	h.assertStates(models.StateFailedOver)

	st, err := h.coord.State("leaf-new")
	require.NoError(t, err)
	assert.Equal(t, models.StateDegraded, st.State, "no bound secondary is not a double fault")

	h.coord.Evaluate(ctx)
	st, _ = h.coord.State("leaf-new")
	assert.Equal(t, models.StateDegraded, st.State)

	// 外部流程补上注册后自动切换
	require.NoError(t, h.devices.Bind("leaf-new", secondaryID))
	h.coord.Evaluate(ctx)

	st, err = h.coord.State("leaf-new")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailedOver, st.State)
	assert.Equal(t, secondaryID, st.Authority)
	assert.Len(t, h.failoverEvents(), 2)
}

func TestPromoteIdempotent(t *testing.T) {
	h := newHarness(t, models.ModeGold, 2)
	ctx := context.Background()

	h.samples(primaryID, false, 3)
	h.rebindTo(secondaryID)

	_, err := h.coord.Promote(ctx, Command{Target: secondaryID})
	require.NoError(t, err)

	again, err := h.coord.Promote(ctx, Command{Target: secondaryID})
	require.NoError(t, err)
	assert.Empty(t, again.Applied)
	assert.Empty(t, again.Failures)
	assert.Len(t, h.failoverEvents(), 1)
}

func TestPromoteValidation(t *testing.T) {
	h := newHarness(t, models.ModeGold, 1)
	ctx := context.Background()

	_, err := h.coord.Promote(ctx, Command{Target: primaryID})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = h.coord.Restore(ctx, Command{Target: secondaryID})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = h.coord.Promote(ctx, Command{Target: "nope"})
	assert.ErrorIs(t, err, cluster.ErrUnknownCluster)

	_, err = h.coord.Promote(ctx, Command{Target: secondaryID, DeviceIDs: []string{"ghost"}})
	assert.ErrorIs(t, err, device.ErrUnknownDevice)

	h.samples(secondaryID, false, 3)
	_, err = h.coord.Promote(ctx, Command{Target: secondaryID})
	assert.ErrorIs(t, err, ErrTargetUnreachable)
}

func TestCancelBeforeCommit(t *testing.T) {
	h := newHarness(t, models.ModeGold, 2)
	ctx := context.Background()

	h.samples(primaryID, false, 3)
	h.rebindTo(secondaryID)

	assert.ErrorIs(t, h.coord.Cancel(), ErrNoOperation)

	// 持有设备锁，让命令停在提交之前
	unlock := h.coord.locks.LockAll(h.ids)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.Promote(ctx, Command{Target: secondaryID})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return h.coord.inFlight() != nil }, time.Second, time.Millisecond)

	_, err := h.coord.Promote(ctx, Command{Target: secondaryID})
	assert.ErrorIs(t, err, ErrOperationInFlight)

	require.NoError(t, h.coord.Cancel())
	unlock()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, dispatcher.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("promote did not return")
	}

	h.assertStates(models.StateDegraded)
	assert.Empty(t, h.failoverEvents())
	assert.Nil(t, h.coord.inFlight())
}

func TestLoadRestoresPersistedStates(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 2)

	h.samples(primaryID, false, 3)
	h.samples(secondaryID, false, 3)
	h.assertStates(models.StateUnmanaged)

	restarted := h.newCoordinator()
	for _, id := range h.ids {
		st, err := restarted.State(id)
		require.NoError(t, err)
		assert.Equal(t, models.StateUnmanaged, st.State)
	}
}

func TestLoadDerivesStateFromAuthority(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 2)

	_, err := h.devices.SetAuthority("leaf-01", secondaryID)
	require.NoError(t, err)

	c := h.newCoordinator()
	st, err := c.State("leaf-00")
	require.NoError(t, err)
	assert.Equal(t, models.StateNormal, st.State)

	st, err = c.State("leaf-01")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailedOver, st.State)

	all := c.States("apac")
	assert.Len(t, all, 2)
	assert.Empty(t, c.States("emea"))
}

func TestSingleAuthorityUnderConcurrentCommands(t *testing.T) {
	h := newHarness(t, models.ModeWarm, 10)
	ctx := context.Background()

	h.samples(primaryID, false, 3)
	h.samples(primaryID, true, 1)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.coord.Restore(ctx, Command{Target: primaryID, Force: true})
		}()
		go func() {
			defer wg.Done()
			h.coord.Evaluate(ctx)
		}()
	}
	wg.Wait()

	for _, d := range h.devices.List() {
		assert.Contains(t, []string{primaryID, secondaryID}, d.Authority)
	}
	h.assertStates(models.StateRestored)
}
