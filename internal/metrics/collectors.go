// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - 抓取时从引擎读取序列状态
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SequenceStats 序列统计数据接口
type SequenceStats interface {
	GetSequenceCounts() []SequenceCount
	GetBufferedMessages() int
	GetRetiredSequences() uint64
}

// SequenceCount 某方向某状态的序列数
type SequenceCount struct {
	Direction string
	State     string
	Count     int
}

// SequenceCollector 序列指标收集器
type SequenceCollector struct {
	statsProvider SequenceStats

	sequencesDesc *prometheus.Desc
	bufferedDesc  *prometheus.Desc
	retiredDesc   *prometheus.Desc
}

// NewSequenceCollector 创建序列收集器
func NewSequenceCollector(provider SequenceStats) *SequenceCollector {
	subsystem := "sequence"

	return &SequenceCollector{
		statsProvider: provider,

		sequencesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "count"),
			"Number of sequences by direction and state",
			[]string{"direction", "state"}, nil,
		),
		bufferedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "reorder_buffered"),
			"Inbound messages held in reorder buffers",
			nil, nil,
		),
		retiredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "retired_total"),
			"Sequences purged from the store",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *SequenceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sequencesDesc
	ch <- c.bufferedDesc
	ch <- c.retiredDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *SequenceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, sc := range c.statsProvider.GetSequenceCounts() {
		ch <- prometheus.MustNewConstMetric(c.sequencesDesc, prometheus.GaugeValue,
			float64(sc.Count), sc.Direction, sc.State)
	}
	ch <- prometheus.MustNewConstMetric(c.bufferedDesc, prometheus.GaugeValue,
		float64(c.statsProvider.GetBufferedMessages()))
	ch <- prometheus.MustNewConstMetric(c.retiredDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetRetiredSequences()))
}
