package cluster

import (
	"testing"

	"github.com/Mieluoxxx/cvp-standby/internal/db"
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	return database
}

func newPrimary(id, region string, mode models.DeploymentMode) *models.Cluster {
	return &models.Cluster{ID: id, Region: region, Role: models.RolePrimary, Mode: mode}
}

func newSecondary(id, region string, mode models.DeploymentMode) *models.Cluster {
	return &models.Cluster{ID: id, Region: region, Role: models.RoleSecondary, Mode: mode}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(NewRepository(setupTestDB(t)))

	require.NoError(t, reg.RegisterCluster(newPrimary("cvp-sg", "apac", models.ModeWarm)))
	require.NoError(t, reg.RegisterCluster(newSecondary("cvp-jp", "apac", models.ModeWarm)))

	c, err := reg.GetCluster("cvp-sg")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, c.Status, "primary defaults to active")

	c, err = reg.GetCluster("cvp-jp")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStandbyWarm, c.Status, "warm secondary defaults to standby-warm")

	_, err = reg.GetCluster("missing")
	assert.ErrorIs(t, err, ErrUnknownCluster)
}

func TestRegistry_GoldSecondaryDefaultsCold(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.RegisterCluster(newSecondary("cvp-jp", "apac", models.ModeGold)))

	c, err := reg.GetCluster("cvp-jp")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStandbyCold, c.Status)
}

func TestRegistry_RejectsSecondPrimary(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.RegisterCluster(newPrimary("cvp-sg", "apac", models.ModeWarm)))

	err := reg.RegisterCluster(newPrimary("cvp-hk", "apac", models.ModeWarm))
	assert.ErrorIs(t, err, ErrInvariantViolation)

	// 其他区域允许有自己的主集群
	assert.NoError(t, reg.RegisterCluster(newPrimary("cvp-fra", "emea", models.ModeGold)))
}

func TestRegistry_RejectsMixedModes(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.RegisterCluster(newPrimary("cvp-sg", "apac", models.ModeWarm)))

	err := reg.RegisterCluster(newSecondary("cvp-jp", "apac", models.ModeGold))
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestRegistry_Validation(t *testing.T) {
	reg := NewRegistry(nil)

	testCases := []struct {
		name    string
		cluster *models.Cluster
	}{
		{"nil", nil},
		{"missing id", &models.Cluster{Region: "apac", Role: models.RolePrimary, Mode: models.ModeWarm}},
		{"bad role", &models.Cluster{ID: "a", Region: "apac", Role: "leader", Mode: models.ModeWarm}},
		{"bad mode", &models.Cluster{ID: "a", Region: "apac", Role: models.RolePrimary, Mode: "hot"}},
		{"bad status", &models.Cluster{ID: "a", Region: "apac", Role: models.RolePrimary, Mode: models.ModeWarm, Status: "on"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, reg.RegisterCluster(tc.cluster), ErrInvalidCluster)
		})
	}

	require.NoError(t, reg.RegisterCluster(newPrimary("cvp-sg", "apac", models.ModeWarm)))
	assert.ErrorIs(t, reg.RegisterCluster(newPrimary("cvp-sg", "emea", models.ModeWarm)), ErrClusterExists)
}

func TestRegistry_SetStatus(t *testing.T) {
	reg := NewRegistry(NewRepository(setupTestDB(t)))
	require.NoError(t, reg.RegisterCluster(newPrimary("cvp-sg", "apac", models.ModeWarm)))

	require.NoError(t, reg.SetStatus("cvp-sg", models.StatusUnreachable))
	c, _ := reg.GetCluster("cvp-sg")
	assert.Equal(t, models.StatusUnreachable, c.Status)

	assert.ErrorIs(t, reg.SetStatus("missing", models.StatusActive), ErrUnknownCluster)
	assert.ErrorIs(t, reg.SetStatus("cvp-sg", "sleeping"), ErrInvalidCluster)
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.RegisterCluster(newPrimary("cvp-sg", "apac", models.ModeWarm)))

	c, _ := reg.GetCluster("cvp-sg")
	c.Status = models.StatusUnreachable

	again, _ := reg.GetCluster("cvp-sg")
	assert.Equal(t, models.StatusActive, again.Status, "callers must not mutate registry state")
}

func TestRegistry_LoadSurvivesRestart(t *testing.T) {
	database := setupTestDB(t)
	reg := NewRegistry(NewRepository(database))
	require.NoError(t, reg.RegisterCluster(newPrimary("cvp-sg", "apac", models.ModeWarm)))
	require.NoError(t, reg.RegisterCluster(newSecondary("cvp-jp", "apac", models.ModeWarm)))
	require.NoError(t, reg.SetStatus("cvp-sg", models.StatusUnreachable))

	restarted := NewRegistry(NewRepository(database))
	require.NoError(t, restarted.Load())

	assert.Len(t, restarted.ListClusters(), 2)
	c, err := restarted.GetCluster("cvp-sg")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnreachable, c.Status)

	// 重启后约束依然生效
	assert.ErrorIs(t, restarted.RegisterCluster(newPrimary("cvp-hk", "apac", models.ModeWarm)), ErrInvariantViolation)
}

func TestRegistry_Pair(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.RegisterCluster(newSecondary("cvp-jp", "apac", models.ModeWarm)))

	_, err := reg.Pair("apac")
	assert.ErrorIs(t, err, ErrNoPrimary)

	require.NoError(t, reg.RegisterCluster(newPrimary("cvp-sg", "apac", models.ModeWarm)))
	pair, err := reg.Pair("apac")
	require.NoError(t, err)
	assert.Equal(t, "cvp-sg", pair.Primary.ID)
	require.Len(t, pair.Secondaries, 1)
	assert.Equal(t, "cvp-jp", pair.Secondaries[0].ID)
	assert.Equal(t, models.ModeWarm, pair.Mode)

	others := pair.Other("cvp-sg")
	require.Len(t, others, 1)
	assert.Equal(t, "cvp-jp", others[0].ID)

	assert.Equal(t, []string{"apac"}, reg.Regions())
}
