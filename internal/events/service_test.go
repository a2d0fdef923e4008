package events

import (
	"context"
	"testing"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/db"
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"github.com/Mieluoxxx/cvp-standby/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	return database
}

func TestEventService_LogEvent(t *testing.T) {
	database := setupTestDB(t)
	pub := notify.NewMemoryPublisher()
	service := NewService(database, pub, nil)

	err := service.LogInfo(models.EventTypeHealthTransition, "集群恢复", map[string]interface{}{
		"cluster": "cvp-sg",
		"status":  "reachable",
	})
	require.NoError(t, err)

	var count int64
	database.Model(&models.SystemEvent{}).Count(&count)
	assert.Equal(t, int64(1), count)
	assert.Empty(t, pub.Alerts(), "info events are not alerts")
}

func TestEventService_CriticalPublishesAlert(t *testing.T) {
	database := setupTestDB(t)
	pub := notify.NewMemoryPublisher()
	service := NewService(database, pub, nil)

	err := service.LogCritical(models.EventTypeDoubleFault, "主备集群均不可达", map[string]interface{}{
		"region":     "apac",
		"device_ids": []string{"leaf-1", "leaf-2"},
	})
	require.NoError(t, err)

	alerts := pub.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.EventLevelCritical, alerts[0].Level)
	assert.Equal(t, "apac", alerts[0].Region)
	assert.Equal(t, []string{"leaf-1", "leaf-2"}, alerts[0].DeviceIDs)

	events, err := service.GetEventsByLevel(models.EventLevelCritical, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Metadata, "leaf-1")
}

func TestEventService_GetRecentEvents(t *testing.T) {
	database := setupTestDB(t)
	service := NewService(database, nil, nil)

	for i := 0; i < 15; i++ {
		require.NoError(t, service.LogInfo(models.EventTypeOperatorCommand, "测试事件", nil))
	}

	events, err := service.GetRecentEvents(10)
	require.NoError(t, err)
	assert.Equal(t, 10, len(events))
}

func TestEventService_GetEventsByType(t *testing.T) {
	database := setupTestDB(t)
	service := NewService(database, nil, nil)

	require.NoError(t, service.LogInfo(models.EventTypeFailover, "切换", nil))
	require.NoError(t, service.LogWarning(models.EventTypeDegraded, "主集群不可达", nil))
	require.NoError(t, service.LogError(models.EventTypeDispatchFailure, "部分失败", nil))

	events, err := service.GetEventsByType(models.EventTypeDegraded, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventLevelWarning, events[0].Level)
}

func TestEventService_RecordFailover(t *testing.T) {
	database := setupTestDB(t)
	pub := notify.NewMemoryPublisher()
	service := NewService(database, pub, nil)

	event := &models.FailoverEvent{
		Region:      "apac",
		FromCluster: "cvp-sg",
		ToCluster:   "cvp-jp",
		DeviceIDs:   []string{"leaf-1", "leaf-2"},
		TriggeredBy: models.TriggerAutomatic,
		Reason:      "primary unreachable",
	}
	require.NoError(t, service.RecordFailover(context.Background(), event))
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())

	stored, err := service.GetFailoverEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf-1", "leaf-2"}, stored.DeviceIDs)
	assert.Equal(t, models.TriggerAutomatic, stored.TriggeredBy)

	require.Len(t, pub.Failovers(), 1)
	assert.Equal(t, event.ID, pub.Failovers()[0].ID)

	_, err = service.GetFailoverEvent("missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestEventService_ListFailoverEvents(t *testing.T) {
	database := setupTestDB(t)
	service := NewService(database, nil, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, region := range []string{"apac", "emea", "apac"} {
		require.NoError(t, service.RecordFailover(ctx, &models.FailoverEvent{
			Region:      region,
			FromCluster: "a",
			ToCluster:   "b",
			DeviceIDs:   []string{"d"},
			TriggeredBy: models.TriggerManual,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := service.ListFailoverEvents("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.After(all[1].Timestamp), "newest first")

	apac, err := service.ListFailoverEvents("apac", 1)
	require.NoError(t, err)
	require.Len(t, apac, 1)
	assert.Equal(t, "apac", apac[0].Region)
}

func TestEventService_CleanupOldEvents(t *testing.T) {
	database := setupTestDB(t)
	service := NewService(database, nil, nil)

	old := &models.SystemEvent{Type: models.EventTypeOperatorCommand, Message: "old", Level: models.EventLevelInfo, CreatedAt: time.Now().AddDate(0, 0, -40)}
	require.NoError(t, database.Create(old).Error)
	require.NoError(t, service.LogInfo(models.EventTypeOperatorCommand, "new", nil))
	require.NoError(t, service.RecordFailover(context.Background(), &models.FailoverEvent{
		Region: "apac", FromCluster: "a", ToCluster: "b", TriggeredBy: models.TriggerManual,
		Timestamp: time.Now().AddDate(0, 0, -40),
	}))

	deleted, err := service.CleanupOldEvents(30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	failovers, err := service.ListFailoverEvents("", 0)
	require.NoError(t, err)
	assert.Len(t, failovers, 1, "audit trail is append-only")
}
