package connection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmq_connect_attempts_total",
			Help: "Outgoing connection attempts by result",
		},
		[]string{"result"},
	)

	onlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmq_online_users",
			Help: "Users seen on at least one hub",
		},
	)

	expectedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmq_expected_connections",
			Help: "Connection tokens waiting for an incoming connection",
		},
	)
)
