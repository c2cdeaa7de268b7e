// Package metrics 定义各组件使用的 prometheus 指标。
// 传入 nil Registerer 时指标只在本地计数，不注册到任何 registry（测试中使用）。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pos"

// Dispatcher 是计算分发器的指标集合。
type Dispatcher struct {
	Requests     *prometheus.CounterVec // labels: kind, path
	Timeouts     prometheus.Counter
	WorkerStarts *prometheus.CounterVec // labels: result
	WorkerFaults prometheus.Counter
	LateReplies  prometheus.Counter
	Pending      prometheus.Gauge
}

func NewDispatcher(reg prometheus.Registerer) *Dispatcher {
	f := promauto.With(reg)
	return &Dispatcher{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "calculation", Name: "requests_total",
			Help: "Calculation requests by kind and execution path.",
		}, []string{"kind", "path"}),
		Timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "calculation", Name: "timeouts_total",
			Help: "Worker requests that timed out and fell back to inline computation.",
		}),
		WorkerStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "calculation", Name: "worker_starts_total",
			Help: "Worker start attempts by result.",
		}, []string{"result"}),
		WorkerFaults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "calculation", Name: "worker_faults_total",
			Help: "Fatal worker faults.",
		}),
		LateReplies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "calculation", Name: "late_replies_total",
			Help: "Worker replies discarded because the request was already settled.",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "calculation", Name: "pending_requests",
			Help: "Requests waiting for a worker reply.",
		}),
	}
}

// LiveSync 是实时同步通道的指标集合。
type LiveSync struct {
	State      prometheus.Gauge       // 0 disconnected, 1 connecting, 2 connected
	Refreshes  *prometheus.CounterVec // labels: reason
	Reconnects prometheus.Counter
	Heartbeats prometheus.Counter
}

func NewLiveSync(reg prometheus.Registerer) *LiveSync {
	f := promauto.With(reg)
	return &LiveSync{
		State: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "livesync", Name: "connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "livesync", Name: "refresh_triggers_total",
			Help: "Refresh triggers by reason.",
		}, []string{"reason"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "livesync", Name: "reconnects_total",
			Help: "Transport level reconnects.",
		}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "livesync", Name: "heartbeats_total",
			Help: "Heartbeats emitted.",
		}),
	}
}

// Gateway 是推送网关的指标集合。
type Gateway struct {
	Clients  prometheus.Gauge
	Pushed   *prometheus.CounterVec // labels: event
	Received *prometheus.CounterVec // labels: event
}

func NewGateway(reg prometheus.Registerer) *Gateway {
	f := promauto.With(reg)
	return &Gateway{
		Clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "connected_clients",
			Help: "Currently connected websocket clients.",
		}),
		Pushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "pushed_messages_total",
			Help: "Messages pushed to clients by event.",
		}, []string{"event"}),
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "received_messages_total",
			Help: "Messages received from clients by event.",
		}, []string{"event"}),
	}
}
