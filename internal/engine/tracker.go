// =============================================================================
// 文件: internal/engine/tracker.go
// 描述: 确认跟踪 - 入站去重记账与出站确认区间合并
// =============================================================================
package engine

import (
	"context"
	"fmt"

	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/store"
)

// Tracker 确认跟踪器
type Tracker struct {
	*core
}

func newTracker(c *core) *Tracker {
	return &Tracker{core: c.named("tracker")}
}

// RecordReceived 记录入站消息，返回是否重复
func (t *Tracker) RecordReceived(ctx context.Context, id string, n uint64) (bool, error) {
	unlock := t.locks.lock(id)
	defer unlock()
	return t.recordLocked(ctx, id, n)
}

func (t *Tracker) recordLocked(ctx context.Context, id string, n uint64) (bool, error) {
	b, err := t.store.LoadRMD(ctx, id)
	if store.IsNotFound(err) {
		return false, fmt.Errorf("%w: %s", ErrUnknownSequence, id)
	}
	if err != nil {
		return false, err
	}

	if !b.AckedRanges.Insert(n) {
		return true, nil
	}
	if n > b.HighestInMessageNumber {
		b.HighestInMessageNumber = n
	}
	b.LastActivity = t.clock.Now()
	if err := t.store.StoreRMD(ctx, b); err != nil {
		return false, fmt.Errorf("保存确认区间失败: %w", err)
	}
	return false, nil
}

// MergeAcknowledgement 合并对端确认
// 任一区间非法时整批拒绝，已有状态不变
func (t *Tracker) MergeAcknowledgement(ctx context.Context, id string, ranges []sequence.Range) error {
	unlock := t.locks.lock(id)
	defer unlock()
	_, err := t.mergeLocked(ctx, id, ranges)
	return err
}

func (t *Tracker) mergeLocked(ctx context.Context, id string, ranges []sequence.Range) (*sequence.RMSBean, error) {
	b, err := t.store.LoadRMS(ctx, id)
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, id)
	}
	if err != nil {
		return nil, err
	}

	if f := checkAckRanges(b, ranges); f != nil {
		return nil, f
	}

	b.AckedRanges.MergeAll(ranges)
	b.HighestAckedNumber = b.AckedRanges.Highest()
	b.LastActivity = t.clock.Now()
	if err := t.store.StoreRMS(ctx, b); err != nil {
		return nil, fmt.Errorf("保存确认区间失败: %w", err)
	}
	return b, nil
}

// IsFullyAcked 已约定最后消息且 [1, last] 全部确认
func (t *Tracker) IsFullyAcked(ctx context.Context, id string) (bool, error) {
	b, err := t.store.LoadRMS(ctx, id)
	if store.IsNotFound(err) {
		return false, fmt.Errorf("%w: %s", ErrUnknownSequence, id)
	}
	if err != nil {
		return false, err
	}
	return isFullyAcked(b), nil
}

func isFullyAcked(b *sequence.RMSBean) bool {
	return b.HasLastMessage() && b.AckedRanges.Covers(sequence.FirstMessageNumber, b.LastMessageNumber)
}

// Ranges 当前确认区间
func (t *Tracker) Ranges(ctx context.Context, id string, dir sequence.Direction) (sequence.Ranges, error) {
	var (
		rs  sequence.Ranges
		err error
	)
	if dir == sequence.Outbound {
		var b *sequence.RMSBean
		if b, err = t.store.LoadRMS(ctx, id); err == nil {
			rs = b.AckedRanges
		}
	} else {
		var b *sequence.RMDBean
		if b, err = t.store.LoadRMD(ctx, id); err == nil {
			rs = b.AckedRanges
		}
	}
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, id)
	}
	return rs, err
}
