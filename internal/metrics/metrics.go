// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 进程内统计 - 供健康检查与 CLI 输出使用的原子计数
// =============================================================================
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const faultHistorySize = 100

// Stats 进程内统计
type Stats struct {
	sent        uint64
	retransmits uint64
	acked       uint64
	delivered   uint64
	duplicates  uint64
	faults      uint64
	failures    uint64

	// 最近故障
	faultHistory []FaultRecord

	startTime time.Time

	mu sync.RWMutex
}

// FaultRecord 故障记录
type FaultRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	SequenceID string    `json:"sequence_id"`
	Subcode    string    `json:"subcode"`
	Origin     string    `json:"origin"`
}

// NewStats 创建统计
func NewStats() *Stats {
	return &Stats{
		startTime:    time.Now(),
		faultHistory: make([]FaultRecord, 0, faultHistorySize),
	}
}

func (s *Stats) addSent()       { atomic.AddUint64(&s.sent, 1) }
func (s *Stats) addRetransmit() { atomic.AddUint64(&s.retransmits, 1) }
func (s *Stats) addAcked()      { atomic.AddUint64(&s.acked, 1) }
func (s *Stats) addDelivered()  { atomic.AddUint64(&s.delivered, 1) }
func (s *Stats) addDuplicate()  { atomic.AddUint64(&s.duplicates, 1) }
func (s *Stats) addFault()      { atomic.AddUint64(&s.faults, 1) }
func (s *Stats) addFailure()    { atomic.AddUint64(&s.failures, 1) }

// RecordFaultHistory 追加故障记录，只保留最近 100 条
func (s *Stats) RecordFaultHistory(sequenceID, subcode, origin string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.faultHistory) >= faultHistorySize {
		s.faultHistory = s.faultHistory[1:]
	}
	s.faultHistory = append(s.faultHistory, FaultRecord{
		Timestamp:  time.Now(),
		SequenceID: sequenceID,
		Subcode:    subcode,
		Origin:     origin,
	})
}

// GetFaultHistory 最近的故障 (倒序)
func (s *Stats) GetFaultHistory(limit int) []FaultRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.faultHistory) {
		limit = len(s.faultHistory)
	}
	result := make([]FaultRecord, limit)
	for i := 0; i < limit; i++ {
		result[i] = s.faultHistory[len(s.faultHistory)-1-i]
	}
	return result
}

// GetUptime 运行时间
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// GetStats 获取所有统计信息
func (s *Stats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":             s.GetUptime().String(),
		"messages_sent":      atomic.LoadUint64(&s.sent),
		"retransmits":        atomic.LoadUint64(&s.retransmits),
		"messages_acked":     atomic.LoadUint64(&s.acked),
		"messages_delivered": atomic.LoadUint64(&s.delivered),
		"duplicates":         atomic.LoadUint64(&s.duplicates),
		"faults":             atomic.LoadUint64(&s.faults),
		"permanent_failures": atomic.LoadUint64(&s.failures),
	}
}

// Reset 重置所有统计（用于测试）
func (s *Stats) Reset() {
	for _, p := range []*uint64{&s.sent, &s.retransmits, &s.acked, &s.delivered, &s.duplicates, &s.faults, &s.failures} {
		atomic.StoreUint64(p, 0)
	}
	s.mu.Lock()
	s.faultHistory = make([]FaultRecord, 0, faultHistorySize)
	s.startTime = time.Now()
	s.mu.Unlock()
}
