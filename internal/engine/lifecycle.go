// =============================================================================
// 文件: internal/engine/lifecycle.go
// 描述: 序列生命周期 - CREATING → ESTABLISHED → CLOSING → TERMINATED
// =============================================================================
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mrcgq/wsrm/internal/fault"
	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/store"
)

// ErrInvalidLastMessage 最后消息号不合法
var ErrInvalidLastMessage = errors.New("最后消息号不合法")

// Lifecycle 序列生命周期管理器
type Lifecycle struct {
	*core

	// 创建时计数与写入需要原子
	outboundMu sync.Mutex
	inboundMu  sync.Mutex
}

func newLifecycle(c *core) *Lifecycle {
	return &Lifecycle{core: c.named("lifecycle")}
}

// =============================================================================
// 发送端
// =============================================================================

// CreateOutboundSequence 创建发送端序列 (CREATING)
func (l *Lifecycle) CreateOutboundSequence(ctx context.Context) (string, error) {
	l.outboundMu.Lock()
	defer l.outboundMu.Unlock()

	id := newSequenceID()

	if limit := l.opts.MaxOutboundSequences; limit > 0 {
		active, err := l.countActive(ctx, sequence.Outbound)
		if err != nil {
			return "", err
		}
		if active >= limit {
			l.logger.Warn("发送端序列数已达上限，拒绝创建", zap.Int("limit", limit))
			return "", fault.NewSequenceCreationRefused(id, limit)
		}
	}

	now := l.clock.Now()
	b := sequence.NewRMSBean(id, l.opts.ProtocolVersion, l.opts.Retransmit.Interval, now)
	if err := l.store.StoreRMS(ctx, b); err != nil {
		return "", fmt.Errorf("保存序列失败: %w", err)
	}

	l.metrics.RecordSequenceCreated(sequence.Outbound.String())
	l.logger.Debug("序列已创建", seqField(id))
	return id, nil
}

func (l *Lifecycle) countActive(ctx context.Context, dir sequence.Direction) (int, error) {
	total := 0
	for _, st := range []sequence.State{sequence.StateCreating, sequence.StateEstablished, sequence.StateClosing} {
		n, err := l.store.CountByState(ctx, dir, st)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Establish CREATING → ESTABLISHED
func (l *Lifecycle) Establish(ctx context.Context, id string) error {
	unlock := l.locks.lock(id)
	defer unlock()
	_, err := l.establishLocked(ctx, id)
	return err
}

func (l *Lifecycle) establishLocked(ctx context.Context, id string) (*sequence.RMSBean, error) {
	return l.transitionLocked(ctx, id, sequence.StateEstablished, sequence.StateCreating)
}

// RequestClose ESTABLISHED → CLOSING，之后不再接受新消息
func (l *Lifecycle) RequestClose(ctx context.Context, id string) error {
	unlock := l.locks.lock(id)
	defer unlock()
	_, err := l.transitionLocked(ctx, id, sequence.StateClosing, sequence.StateEstablished)
	return err
}

// Terminate 终止序列并释放其全部待确认消息
// 对已终止的序列重复调用为空操作
func (l *Lifecycle) Terminate(ctx context.Context, id string) error {
	unlock := l.locks.lock(id)
	defer unlock()
	_, err := l.terminateLocked(ctx, id, "requested")
	return err
}

func (l *Lifecycle) terminateLocked(ctx context.Context, id, reason string) (bool, error) {
	b, err := l.loadRMS(ctx, id)
	if err != nil {
		return false, err
	}
	if b.State == sequence.StateTerminated {
		return false, nil
	}

	b.State = sequence.StateTerminated
	b.LastActivity = l.clock.Now()
	if err := l.store.StoreRMS(ctx, b); err != nil {
		return false, fmt.Errorf("保存序列失败: %w", err)
	}

	released, err := l.store.DeleteAllPending(ctx, id)
	if err != nil {
		return true, fmt.Errorf("释放待确认消息失败: %w", err)
	}

	l.metrics.RecordSequenceTerminated(sequence.Outbound.String(), reason)
	l.logger.Info("序列已终止", seqField(id), zap.String("reason", reason), zap.Int("released", released))
	return true, nil
}

// transitionLocked 校验并执行状态迁移
func (l *Lifecycle) transitionLocked(ctx context.Context, id string, to sequence.State, from ...sequence.State) (*sequence.RMSBean, error) {
	b, err := l.loadRMS(ctx, id)
	if err != nil {
		return nil, err
	}
	legal := false
	for _, s := range from {
		if b.State == s {
			legal = true
			break
		}
	}
	if !legal {
		return nil, fault.NewInvalidStateTransition(id, b.State, to)
	}

	b.State = to
	b.LastActivity = l.clock.Now()
	if err := l.store.StoreRMS(ctx, b); err != nil {
		return nil, fmt.Errorf("保存序列失败: %w", err)
	}
	l.logger.Debug("状态迁移", seqField(id), zap.Stringer("to", to))
	return b, nil
}

// NextOutboundNumber 分配下一个消息号
func (l *Lifecycle) NextOutboundNumber(ctx context.Context, id string) (uint64, error) {
	unlock := l.locks.lock(id)
	defer unlock()
	_, n, err := l.nextNumberLocked(ctx, id, false)
	return n, err
}

// nextNumberLocked 分配并持久化消息号，markLast 时同时约定最后消息
func (l *Lifecycle) nextNumberLocked(ctx context.Context, id string, markLast bool) (*sequence.RMSBean, uint64, error) {
	b, err := l.loadRMS(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if b.State != sequence.StateEstablished {
		return nil, 0, fmt.Errorf("%w: %s 当前为 %s", ErrNotEstablished, id, b.State)
	}

	n := b.NextMessageNumber
	if b.HasLastMessage() && n > b.LastMessageNumber {
		return nil, 0, fault.NewLastMessageNumberExceeded(b.ProtocolVersion, id, n, b.LastMessageNumber)
	}
	if n > sequence.MaxMessageNumber {
		return nil, 0, fault.NewMessageNumberRollover(b.ProtocolVersion, id, n)
	}

	b.NextMessageNumber = n + 1
	if markLast {
		b.LastMessageNumber = n
	}
	b.LastActivity = l.clock.Now()
	if err := l.store.StoreRMS(ctx, b); err != nil {
		return nil, 0, fmt.Errorf("保存序列失败: %w", err)
	}
	return b, n, nil
}

// SetLastMessage 约定最后消息号
// 不得小于已分配的消息号，一经设置不可更改
func (l *Lifecycle) SetLastMessage(ctx context.Context, id string, n uint64) error {
	unlock := l.locks.lock(id)
	defer unlock()

	b, err := l.loadRMS(ctx, id)
	if err != nil {
		return err
	}
	if b.State == sequence.StateTerminated {
		return fault.NewInvalidStateTransition(id, b.State, b.State)
	}
	if n == 0 || n < b.LastAllocated() || n > sequence.MaxMessageNumber {
		return fmt.Errorf("%w: %d (已分配 %d)", ErrInvalidLastMessage, n, b.LastAllocated())
	}
	if b.HasLastMessage() {
		if b.LastMessageNumber == n {
			return nil
		}
		return fmt.Errorf("%w: 已设置为 %d", ErrInvalidLastMessage, b.LastMessageNumber)
	}

	b.LastMessageNumber = n
	b.LastActivity = l.clock.Now()
	return l.store.StoreRMS(ctx, b)
}

func (l *Lifecycle) loadRMS(ctx context.Context, id string) (*sequence.RMSBean, error) {
	b, err := l.store.LoadRMS(ctx, id)
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, id)
	}
	return b, err
}

// =============================================================================
// 接收端 (由对端驱动)
// =============================================================================

// AcceptInbound 接受对端的创建请求
// 同一标识重复创建视为响应丢失后的重试
func (l *Lifecycle) AcceptInbound(ctx context.Context, id string, v sequence.ProtocolVersion) (bool, error) {
	unlock := l.locks.lock(id)
	defer unlock()
	return l.acceptInboundLocked(ctx, id, v)
}

func (l *Lifecycle) acceptInboundLocked(ctx context.Context, id string, v sequence.ProtocolVersion) (bool, error) {
	existing, err := l.store.LoadRMD(ctx, id)
	if err == nil {
		if existing.Terminated {
			return false, fault.NewCreateSequenceRefused(v, id, "sequence identifier has already been used")
		}
		return false, nil
	}
	if !store.IsNotFound(err) {
		return false, err
	}

	l.inboundMu.Lock()
	defer l.inboundMu.Unlock()

	if limit := l.opts.MaxInboundSequences; limit > 0 {
		active, err := l.countActive(ctx, sequence.Inbound)
		if err != nil {
			return false, err
		}
		if active >= limit {
			l.logger.Warn("接收端序列数已达上限，拒绝对端创建", seqField(id), zap.Int("limit", limit))
			return false, fault.NewCreateSequenceRefused(v, id,
				fmt.Sprintf("inbound sequence limit %d reached", limit))
		}
	}

	b := sequence.NewRMDBean(id, v, l.clock.Now())
	if err := l.store.StoreRMD(ctx, b); err != nil {
		return false, fmt.Errorf("保存序列失败: %w", err)
	}
	l.metrics.RecordSequenceCreated(sequence.Inbound.String())
	l.logger.Debug("接收端序列已创建", seqField(id))
	return true, nil
}

// CloseInbound 对端请求关闭
func (l *Lifecycle) CloseInbound(ctx context.Context, id string) error {
	unlock := l.locks.lock(id)
	defer unlock()
	_, err := l.closeInboundLocked(ctx, id)
	return err
}

func (l *Lifecycle) closeInboundLocked(ctx context.Context, id string) (*sequence.RMDBean, error) {
	b, err := l.loadRMD(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Terminated {
		return nil, fault.NewSequenceTerminated(b.ProtocolVersion, id)
	}
	if b.Closed {
		return b, nil
	}
	b.Closed = true
	b.State = sequence.StateClosing
	b.LastActivity = l.clock.Now()
	if err := l.store.StoreRMD(ctx, b); err != nil {
		return nil, fmt.Errorf("保存序列失败: %w", err)
	}
	l.logger.Debug("接收端序列已关闭", seqField(id))
	return b, nil
}

// TerminateInbound 对端终止或本端超时终止
func (l *Lifecycle) TerminateInbound(ctx context.Context, id string) error {
	unlock := l.locks.lock(id)
	defer unlock()
	_, err := l.terminateInboundLocked(ctx, id, "requested")
	return err
}

func (l *Lifecycle) terminateInboundLocked(ctx context.Context, id, reason string) (bool, error) {
	b, err := l.loadRMD(ctx, id)
	if err != nil {
		return false, err
	}
	if b.Terminated {
		return false, nil
	}
	b.Terminated = true
	b.State = sequence.StateTerminated
	b.LastActivity = l.clock.Now()
	if err := l.store.StoreRMD(ctx, b); err != nil {
		return false, fmt.Errorf("保存序列失败: %w", err)
	}
	l.metrics.RecordSequenceTerminated(sequence.Inbound.String(), reason)
	l.logger.Info("接收端序列已终止", seqField(id), zap.String("reason", reason))
	return true, nil
}

func (l *Lifecycle) loadRMD(ctx context.Context, id string) (*sequence.RMDBean, error) {
	b, err := l.store.LoadRMD(ctx, id)
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, id)
	}
	return b, err
}
