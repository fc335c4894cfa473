// =============================================================================
// 文件: internal/engine/retired.go
// 描述: 已清除序列集合 - 分时间片布隆过滤器，迟到消息据此报告已终止
// =============================================================================
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	retiredExpectedItems = 100000
	retiredFalsePositive = 0.0001
	retiredSlices        = 24
)

type retiredSlice struct {
	bloom     *bloom.BloomFilter
	startTime time.Time
}

// retiredSet 已清除序列的近似集合
// 误报只会把 UnknownSequence 报成 SequenceTerminated，两者处置相同
type retiredSet struct {
	slices     [retiredSlices]*retiredSlice
	currentIdx int
	sliceLen   time.Duration

	total uint64

	mu sync.RWMutex
}

func newRetiredSet(horizon time.Duration, now time.Time) *retiredSet {
	r := &retiredSet{sliceLen: horizon / retiredSlices}
	if r.sliceLen <= 0 {
		r.sliceLen = time.Second
	}
	for i := range r.slices {
		r.slices[i] = newRetiredSlice(now)
	}
	return r
}

func newRetiredSlice(start time.Time) *retiredSlice {
	return &retiredSlice{
		bloom:     bloom.NewWithEstimates(retiredExpectedItems, retiredFalsePositive),
		startTime: start,
	}
}

// Mark 记录已清除的序列
func (r *retiredSet) Mark(id string) {
	r.mu.Lock()
	r.slices[r.currentIdx].bloom.AddString(id)
	r.mu.Unlock()
	atomic.AddUint64(&r.total, 1)
}

// Contains 序列是否可能已被清除
func (r *retiredSet) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.slices {
		if s.bloom.TestString(id) {
			return true
		}
	}
	return false
}

// Rotate 当前时间片用满后滚动，淘汰最老的时间片
func (r *retiredSet) Rotate(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.slices[r.currentIdx].startTime) < r.sliceLen {
		return
	}
	r.currentIdx = (r.currentIdx + 1) % retiredSlices
	r.slices[r.currentIdx] = newRetiredSlice(now)
}

// Total 累计清除数
func (r *retiredSet) Total() uint64 {
	return atomic.LoadUint64(&r.total)
}
