package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dep2p/go-natlink/pkg/types"
)

const namespace = "natlink"

// Collector 事件指标收集器
type Collector struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	connections  *prometheus.GaugeVec
	holePunches  *prometheus.CounterVec
	relayServer  *prometheus.CounterVec
	reservations *prometheus.CounterVec
}

// NewCollector 创建收集器，指标注册在独立的 Registry 上
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Connectivity events drained by the event pump.",
		}, []string{"kind", "class"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open connections by transport.",
		}, []string{"transport"}),
		holePunches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hole_punch_total",
			Help:      "Hole punch coordination outcomes.",
		}, []string{"outcome"}),
		relayServer: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_server_total",
			Help:      "Relay service actions.",
		}, []string{"action"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Relay reservations accepted for this node.",
		}, []string{"renewal"}),
	}
	c.registry.MustRegister(c.events, c.connections, c.holePunches, c.relayServer, c.reservations)
	return c
}

// Observe 记录一条已分类的事件
func (c *Collector) Observe(ev types.Event, class string) {
	if ev == nil {
		return
	}
	c.events.WithLabelValues(ev.Kind().String(), class).Inc()

	switch e := ev.(type) {
	case types.EvtConnectionEstablished:
		c.connections.WithLabelValues(transport(e.Relayed)).Inc()
	case types.EvtConnectionClosed:
		c.connections.WithLabelValues(transport(e.Relayed)).Dec()
	case types.EvtHolePunch:
		c.holePunches.WithLabelValues(e.Outcome.String()).Inc()
	case types.EvtRelayServer:
		c.relayServer.WithLabelValues(e.Action.String()).Inc()
	case types.EvtReservationAccepted:
		c.reservations.WithLabelValues(strconv.FormatBool(e.Renewal)).Inc()
	}
}

// Registry 返回指标注册表
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func transport(relayed bool) string {
	if relayed {
		return "relayed"
	}
	return "direct"
}
