package mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adbcore_streams_opened_total",
		Help: "Total number of streams opened over this process's multiplexers.",
	})

	streamsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adbcore_streams_closed_total",
		Help: "Total number of streams closed, by cause.",
	}, []string{"cause"})

	streamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adbcore_streams_active",
		Help: "Number of currently open streams across all connections.",
	})

	bytesTransferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adbcore_stream_bytes_total",
		Help: "Total bytes transferred over streams, by direction.",
	}, []string{"direction"})
)
