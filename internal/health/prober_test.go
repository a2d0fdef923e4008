package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticClusters []*models.Cluster

func (s staticClusters) ListClusters() []*models.Cluster { return s }

func TestProber_ProbeAllFeedsMonitor(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	m := NewMonitor(Config{FailureThreshold: 1}, nil)
	clusters := staticClusters{
		{ID: "cvp-sg", Endpoint: healthy.URL},
		{ID: "cvp-jp", Endpoint: broken.URL},
		{ID: "cvp-hk"}, // 无端点，不探测
	}
	p := NewProber(m, clusters, time.Second, nil)

	results := p.ProbeAll(context.Background())
	require.Len(t, results, 2)

	assert.True(t, results[0].Healthy)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)
	assert.False(t, results[1].Healthy)
	assert.Equal(t, "HTTP 503", results[1].Error)

	assert.Equal(t, StatusReachable, m.CurrentStatus("cvp-sg"))
	assert.Equal(t, StatusUnreachable, m.CurrentStatus("cvp-jp"))
	assert.Equal(t, StatusUnknown, m.CurrentStatus("cvp-hk"))
}

func TestProber_CheckConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewProber(NewMonitor(Config{}, nil), staticClusters{}, time.Second, nil)
	res := p.Check(context.Background(), "cvp-sg", url)
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Error, "请求失败")
}
