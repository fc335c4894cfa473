// =============================================================================
// 文件: internal/engine/faults.go
// 描述: 故障管理 - 按固定顺序校验入站报文，处理对端发来的故障
// =============================================================================
package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/mrcgq/wsrm/internal/fault"
	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/store"
	"github.com/mrcgq/wsrm/internal/wire"
)

// FaultManager 故障管理器
type FaultManager struct {
	*core

	retired  *retiredSet
	listener FaultListener
}

func newFaultManager(c *core, listener FaultListener) *FaultManager {
	c = c.named("faults")
	return &FaultManager{
		core:     c,
		retired:  newRetiredSet(c.opts.RetiredHorizon, c.clock.Now()),
		listener: listener,
	}
}

// Validate 校验入站报文
// 顺序: 未知序列 → 消息号越界 → 非法确认 → 序列已关闭 → 序列已终止，遇到第一个违规即返回
// 返回的 error 仅表示存储故障
func (m *FaultManager) Validate(ctx context.Context, env *wire.Envelope) (*fault.Fault, error) {
	switch env.Type {
	case wire.TypeApplication, wire.TypeCloseSequence, wire.TypeTerminateSequence:
		return m.validateInbound(ctx, env)
	case wire.TypeAcknowledgement, wire.TypeCreateSequenceResponse:
		return m.validateOutbound(ctx, env)
	}
	return nil, nil
}

// validateInbound 针对本端接收端序列的报文
func (m *FaultManager) validateInbound(ctx context.Context, env *wire.Envelope) (*fault.Fault, error) {
	id := env.SequenceID
	b, err := m.store.LoadRMD(ctx, id)
	if store.IsNotFound(err) {
		return m.unknown(env.Version, id), nil
	}
	if err != nil {
		return nil, err
	}
	v := b.ProtocolVersion

	if env.Type == wire.TypeApplication {
		n := env.MessageNumber
		if n > sequence.MaxMessageNumber {
			return fault.NewMessageNumberRollover(v, id, n), nil
		}
		if b.HasLastMessage() && n > b.LastMessageNumber {
			return fault.NewLastMessageNumberExceeded(v, id, n, b.LastMessageNumber), nil
		}
		if b.Closed {
			return fault.NewSequenceClosed(v, id), nil
		}
	}
	if b.Terminated {
		return fault.NewSequenceTerminated(v, id), nil
	}
	return nil, nil
}

// validateOutbound 针对本端发送端序列的报文
func (m *FaultManager) validateOutbound(ctx context.Context, env *wire.Envelope) (*fault.Fault, error) {
	id := env.SequenceID
	b, err := m.store.LoadRMS(ctx, id)
	if store.IsNotFound(err) {
		return m.unknown(env.Version, id), nil
	}
	if err != nil {
		return nil, err
	}

	// 已终止序列的迟到确认无害，照常接受
	if env.Type == wire.TypeAcknowledgement {
		return checkAckRanges(b, env.Ranges), nil
	}
	return nil, nil
}

// unknown 已清除的序列报告已终止，否则报告未知
func (m *FaultManager) unknown(v sequence.ProtocolVersion, id string) *fault.Fault {
	if m.retired.Contains(id) {
		return fault.NewSequenceTerminated(v, id)
	}
	return fault.NewUnknownSequence(v, id)
}

// checkAckRanges 每个区间须 1 <= lower <= upper，且不得确认尚未分配的消息号
func checkAckRanges(b *sequence.RMSBean, ranges []sequence.Range) *fault.Fault {
	if r, bad := sequence.FirstInvalid(ranges); bad {
		return fault.NewInvalidAcknowledgement(b.ProtocolVersion, b.ID, r)
	}
	for _, r := range ranges {
		if r.Upper >= b.NextMessageNumber {
			return fault.NewInvalidAcknowledgement(b.ProtocolVersion, b.ID, r)
		}
	}
	return nil
}

// ProcessIncomingFault 处理对端发来的故障报文并通知观察者
func (m *FaultManager) ProcessIncomingFault(env *wire.Envelope) (*fault.Fault, bool) {
	f, ok := wire.ParseFault(env)
	if !ok {
		m.logger.Debug("忽略非协议故障", seqField(env.SequenceID))
		return nil, false
	}

	m.metrics.RecordFault(f.SequenceID(), f.Subcode.String(), "remote")
	m.logger.Warn("收到对端故障",
		seqField(f.SequenceID()),
		zap.Stringer("subcode", f.Subcode),
		zap.String("reason", f.Reason))

	if m.listener != nil {
		m.listener(f)
	}
	return f, true
}

// Retire 记录已清除的序列
func (m *FaultManager) Retire(id string) {
	m.retired.Mark(id)
}
