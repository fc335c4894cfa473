// =============================================================================
// 文件: internal/engine/reaper.go
// 描述: 序列清理 - 终止长时间无活动的序列，清除保留期已过的终止序列
// =============================================================================
package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mrcgq/wsrm/internal/sequence"
)

// Reaper 序列清理器
type Reaper struct {
	*core

	lifecycle *Lifecycle
	faults    *FaultManager
	reorder   *reorderBuffer
	onExpire  func(id string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// SweepResult 一次清理的统计
type SweepResult struct {
	Expired int // 因超时终止
	Purged  int // 从存储中删除
}

// newReaper onExpire 在序列锁外调用，用于唤醒等待该序列的调用方
func newReaper(c *core, l *Lifecycle, f *FaultManager, r *reorderBuffer, onExpire func(id string)) *Reaper {
	return &Reaper{
		core:      c.named("reaper"),
		lifecycle: l,
		faults:    f,
		reorder:   r,
		onExpire:  onExpire,
	}
}

// Start 启动清理循环
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.cleanupLoop()
}

// Stop 停止清理循环
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

func (r *Reaper) cleanupLoop() {
	defer r.wg.Done()

	ticker := r.clock.Ticker(r.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Sweep(r.ctx)
			if err != nil {
				r.logger.Warn("序列清理失败", zap.Error(err))
				continue
			}
			if res.Expired > 0 || res.Purged > 0 {
				r.logger.Debug("序列清理完成",
					zap.Int("expired", res.Expired),
					zap.Int("purged", res.Purged))
			}
		}
	}
}

// Sweep 执行一次清理
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.clock.Now()

	for _, st := range []sequence.State{sequence.StateCreating, sequence.StateEstablished, sequence.StateClosing} {
		ids, err := r.store.ListByState(ctx, st)
		if err != nil {
			return res, err
		}
		for _, id := range ids {
			if r.expire(ctx, id) {
				res.Expired++
				if r.onExpire != nil {
					r.onExpire(id)
				}
			}
		}
	}

	ids, err := r.store.ListByState(ctx, sequence.StateTerminated)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if r.purge(ctx, id) {
			res.Purged++
		}
	}

	r.faults.retired.Rotate(now)
	return res, nil
}

// expire 超时终止一个序列的两端
func (r *Reaper) expire(ctx context.Context, id string) bool {
	unlock := r.locks.lock(id)
	defer unlock()

	deadline := r.clock.Now().Add(-r.opts.InactivityTimeout)
	expired := false

	if b, err := r.store.LoadRMS(ctx, id); err == nil &&
		b.State != sequence.StateTerminated && !b.LastActivity.After(deadline) {
		ok, err := r.lifecycle.terminateLocked(ctx, id, "inactivity")
		if err != nil {
			r.logger.Warn("终止超时序列失败", seqField(id), zap.Error(err))
		}
		expired = expired || ok
	}

	if b, err := r.store.LoadRMD(ctx, id); err == nil &&
		!b.Terminated && !b.LastActivity.After(deadline) {
		ok, err := r.lifecycle.terminateInboundLocked(ctx, id, "inactivity")
		if err != nil {
			r.logger.Warn("终止超时序列失败", seqField(id), zap.Error(err))
		}
		if ok {
			r.reorder.Drop(id)
		}
		expired = expired || ok
	}
	return expired
}

// purge 删除保留期已过的终止序列，并记入已清除集合
func (r *Reaper) purge(ctx context.Context, id string) bool {
	unlock := r.locks.lock(id)
	defer unlock()

	deadline := r.clock.Now().Add(-r.opts.Retention)

	// 两端记录可能共用同一标识，都终止且都过期才删除
	if b, err := r.store.LoadRMS(ctx, id); err == nil {
		if b.State != sequence.StateTerminated || b.LastActivity.After(deadline) {
			return false
		}
	}
	if b, err := r.store.LoadRMD(ctx, id); err == nil {
		if !b.Terminated || b.LastActivity.After(deadline) {
			return false
		}
	}

	if err := r.store.Delete(ctx, id); err != nil {
		r.logger.Warn("删除序列失败", seqField(id), zap.Error(err))
		return false
	}
	r.faults.Retire(id)
	r.reorder.Drop(id)
	r.logger.Debug("序列已清除", seqField(id))
	return true
}
