package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cvp_standby"

// 样本处理结果
const (
	SampleAccepted = "accepted"
	SampleStale    = "stale"
	SampleExpired  = "expired"
	SampleFuture   = "future"
)

var (
	samplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_samples_total",
			Help:      "Health samples received, partitioned by result.",
		},
		[]string{"result"},
	)

	healthTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Cluster reachability transitions.",
		},
		[]string{"cluster", "status"},
	)

	clusterReachable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_reachable",
			Help:      "1 when the cluster is reachable, 0 otherwise.",
		},
		[]string{"cluster"},
	)

	failoverEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_events_total",
			Help:      "Recorded authority migrations, partitioned by region and trigger.",
		},
		[]string{"region", "trigger"},
	)

	deviceStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_states",
			Help:      "Number of devices per failover state.",
		},
		[]string{"state"},
	)

	dispatchDevicesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_devices_total",
			Help:      "Per-device authority migration outcomes.",
		},
		[]string{"outcome"},
	)
)

// Register 将所有采集器注册到 reg，重复注册会被忽略
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		samplesTotal,
		healthTransitionsTotal,
		clusterReachable,
		failoverEventsTotal,
		deviceStates,
		dispatchDevicesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveSample 记录一个健康样本的处理结果
func ObserveSample(result string) {
	samplesTotal.WithLabelValues(result).Inc()
}

// ObserveTransition 记录集群可达性变化
func ObserveTransition(clusterID, status string, reachable bool) {
	healthTransitionsTotal.WithLabelValues(clusterID, status).Inc()
	value := 0.0
	if reachable {
		value = 1
	}
	clusterReachable.WithLabelValues(clusterID).Set(value)
}

// ObserveFailover 记录一次配置权迁移
func ObserveFailover(region, trigger string) {
	failoverEventsTotal.WithLabelValues(region, trigger).Inc()
}

// SetDeviceStates 以完整快照覆盖各状态的设备数
func SetDeviceStates(counts map[string]int) {
	deviceStates.Reset()
	for state, n := range counts {
		deviceStates.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveDispatch 记录单台设备的迁移结果
func ObserveDispatch(outcome string) {
	dispatchDevicesTotal.WithLabelValues(outcome).Inc()
}
