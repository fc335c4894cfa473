// =============================================================================
// 文件: internal/crypto/replay.go
// 描述: 帧级防重放 - 分时间片布隆过滤器 + LRU 精确缓存
// =============================================================================

package crypto

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// 布隆过滤器参数
	bloomExpectedItems = 100000 // 预期每个时间片的项目数
	bloomFalsePositive = 0.0001 // 万分之一误报率

	// 时间片配置
	sliceDuration = 10 * time.Second // 每个时间片10秒
	maxSlices     = 18               // 保留18个时间片 = 3分钟

	exactCacheSize = 10000
)

// ReplayGuard 防重放保护
// 时间片随调用惰性滚动，不需要后台协程
type ReplayGuard struct {
	slices     [maxSlices]*timeSlice
	currentIdx int
	exactCache *lru.Cache[uint64, struct{}]
	clock      clock.Clock

	stats ReplayStats
	mu    sync.Mutex
}

// ReplayStats 统计信息
type ReplayStats struct {
	TotalChecks   uint64
	ReplayBlocked uint64
	ExactHits     uint64
}

type timeSlice struct {
	bloom     *bloom.BloomFilter
	startTime time.Time
}

// NewReplayGuard 创建防重放保护器
func NewReplayGuard(clk clock.Clock) *ReplayGuard {
	if clk == nil {
		clk = clock.New()
	}
	cache, _ := lru.New[uint64, struct{}](exactCacheSize)
	rg := &ReplayGuard{
		exactCache: cache,
		clock:      clk,
	}
	now := clk.Now()
	for i := range rg.slices {
		rg.slices[i] = newTimeSlice(now)
	}
	return rg
}

func newTimeSlice(startTime time.Time) *timeSlice {
	return &timeSlice{
		bloom:     bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive),
		startTime: startTime,
	}
}

// CheckAndMark 检查并标记 nonce
// 返回 true 表示是新 nonce，false 表示重放
func (rg *ReplayGuard) CheckAndMark(nonce []byte) bool {
	if len(nonce) < 8 {
		return false
	}

	rg.mu.Lock()
	defer rg.mu.Unlock()

	rg.rotateLocked(rg.clock.Now())
	rg.stats.TotalChecks++

	key := hashNonce(nonce)
	if rg.exactCache.Contains(key) {
		rg.stats.ExactHits++
		rg.stats.ReplayBlocked++
		return false
	}
	for _, s := range rg.slices {
		if s.bloom.Test(nonce) {
			// 可能是误报，保守处理为重放
			rg.stats.ReplayBlocked++
			return false
		}
	}

	rg.slices[rg.currentIdx].bloom.Add(nonce)
	rg.exactCache.Add(key, struct{}{})
	return true
}

// rotateLocked 按经过的时间片数滚动，最多清空一整圈
func (rg *ReplayGuard) rotateLocked(now time.Time) {
	for i := 0; i < maxSlices; i++ {
		if now.Sub(rg.slices[rg.currentIdx].startTime) < sliceDuration {
			return
		}
		next := rg.slices[rg.currentIdx].startTime.Add(sliceDuration)
		if now.Sub(next) >= sliceDuration*maxSlices {
			next = now
		}
		rg.currentIdx = (rg.currentIdx + 1) % maxSlices
		rg.slices[rg.currentIdx] = newTimeSlice(next)
	}
}

func hashNonce(nonce []byte) uint64 {
	h := fnv.New64a()
	h.Write(nonce)
	return h.Sum64()
}

// Stats 返回统计信息
func (rg *ReplayGuard) Stats() ReplayStats {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.stats
}
