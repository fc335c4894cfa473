// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Histogram）- 可靠消息引擎
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wsrm"

// RMMetrics 引擎指标集合
// 所有 Record 方法允许 nil 接收者，未启用指标时直接忽略
type RMMetrics struct {
	// 序列
	SequencesCreated    *prometheus.CounterVec
	SequencesTerminated *prometheus.CounterVec

	// 消息
	MessagesSent      prometheus.Counter
	Retransmits       prometheus.Counter
	MessagesAcked     prometheus.Counter
	MessagesDelivered prometheus.Counter
	Duplicates        prometheus.Counter
	Buffered          prometheus.Counter

	// 故障
	Faults            *prometheus.CounterVec
	PermanentFailures prometheus.Counter

	// 延迟
	AckLatency prometheus.Histogram

	stats *Stats
}

// NewRMMetrics 创建指标集合
func NewRMMetrics(registry prometheus.Registerer) *RMMetrics {
	m := &RMMetrics{
		SequencesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "created_total",
			Help:      "Total sequences created",
		}, []string{"direction"}),

		SequencesTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "terminated_total",
			Help:      "Total sequences terminated",
		}, []string{"direction", "reason"}),

		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "sent_total",
			Help:      "Application messages accepted for send",
		}),

		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "retransmits_total",
			Help:      "Total retransmissions",
		}),

		MessagesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "acked_total",
			Help:      "Outbound messages acknowledged by the peer",
		}),

		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "delivered_total",
			Help:      "Inbound messages delivered to the application",
		}),

		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "duplicates_total",
			Help:      "Inbound duplicates suppressed",
		}),

		Buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "buffered_total",
			Help:      "Inbound messages held for in-order delivery",
		}),

		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Protocol faults by subcode and origin",
		}, []string{"subcode", "origin"}),

		PermanentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "permanent_failures_total",
			Help:      "Messages dropped after exhausting the retransmit budget",
		}),

		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "ack_latency_seconds",
			Help:      "Time from first send to acknowledgement",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		stats: NewStats(),
	}

	// 注册所有指标
	registry.MustRegister(
		m.SequencesCreated,
		m.SequencesTerminated,
		m.MessagesSent,
		m.Retransmits,
		m.MessagesAcked,
		m.MessagesDelivered,
		m.Duplicates,
		m.Buffered,
		m.Faults,
		m.PermanentFailures,
		m.AckLatency,
	)

	return m
}

// Stats 进程内统计快照来源
func (m *RMMetrics) Stats() *Stats {
	if m == nil {
		return nil
	}
	return m.stats
}

// RecordSequenceCreated 记录序列创建
func (m *RMMetrics) RecordSequenceCreated(direction string) {
	if m == nil {
		return
	}
	m.SequencesCreated.WithLabelValues(direction).Inc()
}

// RecordSequenceTerminated 记录序列终止
func (m *RMMetrics) RecordSequenceTerminated(direction, reason string) {
	if m == nil {
		return
	}
	m.SequencesTerminated.WithLabelValues(direction, reason).Inc()
}

// RecordSent 记录发送
func (m *RMMetrics) RecordSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
	m.stats.addSent()
}

// RecordRetransmit 记录重传
func (m *RMMetrics) RecordRetransmit() {
	if m == nil {
		return
	}
	m.Retransmits.Inc()
	m.stats.addRetransmit()
}

// RecordAck 记录确认及其延迟
func (m *RMMetrics) RecordAck(latency time.Duration) {
	if m == nil {
		return
	}
	m.MessagesAcked.Inc()
	m.AckLatency.Observe(latency.Seconds())
	m.stats.addAcked()
}

// RecordDelivered 记录交付
func (m *RMMetrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.MessagesDelivered.Inc()
	m.stats.addDelivered()
}

// RecordDuplicate 记录重复抑制
func (m *RMMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
	m.stats.addDuplicate()
}

// RecordBuffered 记录乱序缓存
func (m *RMMetrics) RecordBuffered() {
	if m == nil {
		return
	}
	m.Buffered.Inc()
}

// RecordFault 记录故障
// origin: local (本端产生) / remote (对端发来)
func (m *RMMetrics) RecordFault(sequenceID, subcode, origin string) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues(subcode, origin).Inc()
	m.stats.addFault()
	m.stats.RecordFaultHistory(sequenceID, subcode, origin)
}

// RecordPermanentFailure 记录永久失败
func (m *RMMetrics) RecordPermanentFailure() {
	if m == nil {
		return
	}
	m.PermanentFailures.Inc()
	m.stats.addFailure()
}
