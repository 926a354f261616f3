package notification

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics は通知サービスのPrometheusメトリクス。
// 接続数・受信者数のゲージはレジストリの統計から都度計算する。
type Metrics struct {
	// registry はこのサービス専用のPrometheusレジストリ。
	registry *prometheus.Registry
	// dispatched は配信された通知の累計。
	dispatched prometheus.Counter
	// writeFailures はハンドルへのフレーム書き込み失敗の累計。
	writeFailures prometheus.Counter
	// streamsOpened は開かれたストリーム接続の累計。
	streamsOpened prometheus.Counter
}

// NewMetrics は接続レジストリを監視対象とするメトリクスを生成する。
func NewMetrics(connRegistry *Registry) *Metrics {
	registry := prometheus.NewRegistry()

	activeConnections := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "notifystream_active_connections",
		Help: "現在のライブストリーム接続数",
	}, func() float64 {
		return float64(connRegistry.Stats().Connections)
	})

	activeRecipients := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "notifystream_active_recipients",
		Help: "ライブ接続を1つ以上持つ受信者数",
	}, func() float64 {
		return float64(connRegistry.Stats().Recipients)
	})

	m := &Metrics{
		registry: registry,
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifystream_notifications_dispatched_total",
			Help: "永続化・配信された通知の累計",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifystream_stream_write_failures_total",
			Help: "ハンドルへのフレーム書き込み失敗の累計",
		}),
		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifystream_streams_opened_total",
			Help: "開かれたストリーム接続の累計",
		}),
	}

	registry.MustRegister(activeConnections, activeRecipients, m.dispatched, m.writeFailures, m.streamsOpened)
	return m
}

// Handler は/metricsエンドポイント用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncDispatched は配信通知数をインクリメントする。nilレシーバーでも安全。
func (m *Metrics) IncDispatched() {
	if m != nil {
		m.dispatched.Inc()
	}
}

// IncWriteFailure は書き込み失敗数をインクリメントする。nilレシーバーでも安全。
func (m *Metrics) IncWriteFailure() {
	if m != nil {
		m.writeFailures.Inc()
	}
}

// IncStreamOpened は開かれたストリーム数をインクリメントする。nilレシーバーでも安全。
func (m *Metrics) IncStreamOpened() {
	if m != nil {
		m.streamsOpened.Inc()
	}
}
