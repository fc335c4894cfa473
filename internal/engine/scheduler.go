// =============================================================================
// 文件: internal/engine/scheduler.go
// 描述: 重传调度 - 待确认消息的登记、取消、到期重发与指数退避
// =============================================================================
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/wsrm/internal/fault"
	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/store"
	"github.com/mrcgq/wsrm/internal/wire"
)

// Scheduler 重传调度器
// 到期时间持久化在待确认消息上，定时扫描即可恢复重启前的重传
type Scheduler struct {
	*core

	tx        Transmitter
	onFailure FailureListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func newScheduler(c *core, tx Transmitter, onFailure FailureListener) *Scheduler {
	return &Scheduler{
		core:      c.named("scheduler"),
		tx:        tx,
		onFailure: onFailure,
	}
}

// backoff 第 sendCount 次发送后的等待时间
func (s *Scheduler) backoff(base time.Duration, sendCount int) time.Duration {
	if base <= 0 {
		base = s.opts.Retransmit.Interval
	}
	ceiling := s.opts.Retransmit.MaxInterval
	if !s.opts.Retransmit.ExponentialBackoff || sendCount <= 1 {
		if base > ceiling {
			return ceiling
		}
		return base
	}
	d := base
	for i := 1; i < sendCount; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

// OnSent 登记首发消息 (sendCount = 1)
func (s *Scheduler) OnSent(ctx context.Context, id string, n uint64, payload []byte, last bool) error {
	unlock := s.locks.lock(id)
	defer unlock()

	b, err := s.store.LoadRMS(ctx, id)
	if err != nil {
		return err
	}
	return s.onSentLocked(ctx, b, n, payload, last)
}

func (s *Scheduler) onSentLocked(ctx context.Context, b *sequence.RMSBean, n uint64, payload []byte, last bool) error {
	now := s.clock.Now()
	p := &sequence.PendingMessage{
		SequenceID:         b.ID,
		MessageNumber:      n,
		Payload:            payload,
		LastMessage:        last,
		SendCount:          1,
		NextRetransmitTime: now.Add(s.backoff(b.RetransmitInterval, 1)),
		FirstSentAt:        now,
	}
	return s.store.StorePending(ctx, p)
}

// OnAcknowledged 取消待确认消息，已取消时为空操作
func (s *Scheduler) OnAcknowledged(ctx context.Context, id string, n uint64) error {
	unlock := s.locks.lock(id)
	defer unlock()
	_, err := s.onAckedLocked(ctx, id, n)
	return err
}

func (s *Scheduler) onAckedLocked(ctx context.Context, id string, n uint64) (bool, error) {
	p, err := s.store.LoadPending(ctx, id, n)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.store.DeletePending(ctx, id, n); err != nil {
		return false, err
	}
	s.metrics.RecordAck(s.clock.Since(p.FirstSentAt))
	return true, nil
}

// Start 启动扫描循环
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.retransmitLoop()
}

// Stop 停止扫描循环，等待进行中的扫描结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// retransmitLoop 重传循环
func (s *Scheduler) retransmitLoop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.opts.Retransmit.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ProcessDue(s.ctx); err != nil {
				s.logger.Warn("重传扫描失败", zap.Error(err))
			}
		}
	}
}

// ProcessDue 处理所有到期消息，返回重发条数
func (s *Scheduler) ProcessDue(ctx context.Context) (int, error) {
	due, err := s.store.ListDuePending(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, p := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		env, failed := s.prepareRetransmit(ctx, p.SequenceID, p.MessageNumber)
		if failed != nil {
			s.reportFailure(failed)
			continue
		}
		if env == nil {
			continue
		}

		// 网络发送在序列锁外进行
		s.metrics.RecordRetransmit()
		sent++
		if s.tx == nil {
			s.logger.Error("未配置发送通道，无法重传", seqField(env.SequenceID))
			continue
		}
		if err := s.tx.Transmit(ctx, env); err != nil {
			s.logger.Warn("重传发送失败", seqField(env.SequenceID), numField(env.MessageNumber), zap.Error(err))
		}
	}
	return sent, nil
}

// reportFailure 在序列锁外通知观察者，观察者可以安全地回调引擎
func (s *Scheduler) reportFailure(p *sequence.PendingMessage) {
	f := fault.NewMaxRetransmitsExceeded(p.SequenceID, p.MessageNumber, p.SendCount)
	s.metrics.RecordPermanentFailure()
	s.metrics.RecordFault(p.SequenceID, f.Subcode.String(), "local")
	s.logger.Error("消息重传次数耗尽",
		seqField(p.SequenceID), numField(p.MessageNumber), zap.Int("send_count", p.SendCount))
	if s.onFailure != nil {
		s.onFailure(p, f)
	}
}

// prepareRetransmit 在序列锁内重新确认消息仍待确认，并更新发送次数与下次到期时间
// 已确认或已终止时两个返回值均为 nil，超出重传次数时返回被移除的消息
func (s *Scheduler) prepareRetransmit(ctx context.Context, id string, n uint64) (*wire.Envelope, *sequence.PendingMessage) {
	unlock := s.locks.lock(id)
	defer unlock()

	p, err := s.store.LoadPending(ctx, id, n)
	if err != nil {
		// 确认先到，取消生效
		return nil, nil
	}
	now := s.clock.Now()
	if p.NextRetransmitTime.After(now) {
		return nil, nil
	}

	b, err := s.store.LoadRMS(ctx, id)
	if err != nil || b.State == sequence.StateTerminated {
		if err := s.store.DeletePending(ctx, id, n); err != nil {
			s.logger.Warn("删除已终止序列的消息出错", seqField(id), numField(n), zap.Error(err))
		}
		return nil, nil
	}

	if p.SendCount >= s.opts.Retransmit.MaxSendCount {
		if err := s.store.DeletePending(ctx, id, n); err != nil {
			s.logger.Warn("删除失败消息出错", seqField(id), numField(n), zap.Error(err))
		}
		return nil, p
	}

	p.SendCount++
	p.NextRetransmitTime = now.Add(s.backoff(b.RetransmitInterval, p.SendCount))
	if err := s.store.StorePending(ctx, p); err != nil {
		s.logger.Warn("更新待确认消息失败", seqField(id), numField(n), zap.Error(err))
		return nil, nil
	}

	s.logger.Debug("重传消息", seqField(id), numField(n), zap.Int("send_count", p.SendCount))
	return wire.NewApplication(b.ProtocolVersion, id, n, p.Payload, p.LastMessage), nil
}
