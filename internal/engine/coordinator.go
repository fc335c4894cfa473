// =============================================================================
// 文件: internal/engine/coordinator.go
// 描述: 交付协调 - 出站编号登记发送，入站校验去重交付，确认驱动完成
// =============================================================================
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mrcgq/wsrm/internal/fault"
	"github.com/mrcgq/wsrm/internal/metrics"
	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/store"
	"github.com/mrcgq/wsrm/internal/wire"
)

// ErrNoHandler 未配置应用回调
var ErrNoHandler = errors.New("未配置应用回调")

// Outcome 入站处理结果
type Outcome uint8

const (
	OutcomeDelivered Outcome = iota + 1
	OutcomeDuplicateSuppressed
	OutcomeBuffered
	OutcomeAcknowledged
	OutcomeControl
	OutcomeFaulted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "Delivered"
	case OutcomeDuplicateSuppressed:
		return "DuplicateSuppressed"
	case OutcomeBuffered:
		return "Buffered"
	case OutcomeAcknowledged:
		return "Acknowledged"
	case OutcomeControl:
		return "Control"
	case OutcomeFaulted:
		return "Faulted"
	}
	return "Unknown"
}

// Result 入站处理结果
// Reply 非空时由传输层在原连接上回送
type Result struct {
	Outcome   Outcome
	Delivered []uint64
	Reply     *wire.Envelope
	Fault     *fault.Fault
}

// Config 协调器配置
type Config struct {
	Options Options

	Store       store.Store
	Transmitter Transmitter
	Handler     Handler
	Renderer    FaultRenderer

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.RMMetrics

	OnProtocolFault FaultListener
	OnFailure       FailureListener
}

// Coordinator 交付协调器
type Coordinator struct {
	core *core

	lifecycle *Lifecycle
	tracker   *Tracker
	scheduler *Scheduler
	faults    *FaultManager
	reaper    *Reaper
	reorder   *reorderBuffer

	handler  Handler
	renderer FaultRenderer

	tx   Transmitter
	txMu sync.RWMutex

	// 等待建立的序列 (id -> chan struct{})
	established sync.Map

	closed int32
}

// NewCoordinator 创建协调器
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}

	c := newCore(deps{
		Store:   cfg.Store,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}, cfg.Options)

	co := &Coordinator{
		core:     c.named("coordinator"),
		reorder:  newReorderBuffer(c.opts.ReorderWindow),
		handler:  cfg.Handler,
		renderer: cfg.Renderer,
		tx:       cfg.Transmitter,
	}
	if co.renderer == nil {
		co.renderer = wire.RenderFault
	}

	co.lifecycle = newLifecycle(c)
	co.tracker = newTracker(c)
	co.faults = newFaultManager(c, cfg.OnProtocolFault)
	co.scheduler = newScheduler(c, TransmitterFunc(co.transmit), cfg.OnFailure)
	co.reaper = newReaper(c, co.lifecycle, co.faults, co.reorder, co.notify)
	return co, nil
}

// SetTransmitter 替换出站通道
func (c *Coordinator) SetTransmitter(tx Transmitter) {
	c.txMu.Lock()
	c.tx = tx
	c.txMu.Unlock()
}

func (c *Coordinator) transmit(ctx context.Context, env *wire.Envelope) error {
	c.txMu.RLock()
	tx := c.tx
	c.txMu.RUnlock()
	if tx == nil {
		return ErrNoTransmitter
	}
	return tx.Transmit(ctx, env)
}

// Open 启动重传与清理循环
func (c *Coordinator) Open(ctx context.Context) {
	c.scheduler.Start(ctx)
	c.reaper.Start(ctx)
	c.core.logger.Info("引擎已启动",
		zap.Stringer("version", c.core.opts.ProtocolVersion),
		zap.Bool("in_order", c.core.opts.InOrder))
}

// Close 停止后台循环，关闭存储与可关闭的出站通道
func (c *Coordinator) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.scheduler.Stop()
	c.reaper.Stop()

	// 唤醒所有等待建立的调用方
	c.established.Range(func(key, _ interface{}) bool {
		c.notify(key.(string))
		return true
	})

	var err error
	c.txMu.RLock()
	if closer, ok := c.tx.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	c.txMu.RUnlock()
	err = multierr.Append(err, c.core.store.Close())

	c.core.logger.Info("引擎已关闭")
	return err
}

func (c *Coordinator) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// ProcessDue 立即执行一次重传扫描
func (c *Coordinator) ProcessDue(ctx context.Context) (int, error) {
	return c.scheduler.ProcessDue(ctx)
}

// Sweep 立即执行一次序列清理
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	return c.reaper.Sweep(ctx)
}

// =============================================================================
// 发送端操作
// =============================================================================

// CreateSequence 创建发送端序列并向对端发出创建请求
// 发送失败时序列随即终止
func (c *Coordinator) CreateSequence(ctx context.Context) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	id, err := c.lifecycle.CreateOutboundSequence(ctx)
	if err != nil {
		return "", err
	}
	c.established.Store(id, make(chan struct{}))

	env := wire.NewControl(c.core.opts.ProtocolVersion, wire.TypeCreateSequence, id)
	if err := c.transmit(ctx, env); err != nil {
		c.core.logger.Warn("发送创建请求失败", seqField(id), zap.Error(err))
		if terr := c.lifecycle.Terminate(ctx, id); terr != nil {
			c.core.logger.Warn("终止序列失败", seqField(id), zap.Error(terr))
		}
		c.notify(id)
		return "", fmt.Errorf("发送创建请求失败: %w", err)
	}
	return id, nil
}

// Establish 不经握手直接建立序列
func (c *Coordinator) Establish(ctx context.Context, id string) error {
	if err := c.lifecycle.Establish(ctx, id); err != nil {
		return err
	}
	c.notify(id)
	return nil
}

// AwaitEstablished 等待对端确认创建
func (c *Coordinator) AwaitEstablished(ctx context.Context, id string) error {
	if v, ok := c.established.Load(id); ok {
		select {
		case <-v.(chan struct{}):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b, err := c.lifecycle.loadRMS(ctx, id)
	if err != nil {
		return err
	}
	switch b.State {
	case sequence.StateEstablished, sequence.StateClosing:
		return nil
	}
	return fmt.Errorf("%w: %s 当前为 %s", ErrNotEstablished, id, b.State)
}

func (c *Coordinator) notify(id string) {
	if v, ok := c.established.LoadAndDelete(id); ok {
		close(v.(chan struct{}))
	}
}

// Send 发送一条应用消息，返回分配的消息号
// 首发失败不返回错误，由重传补发
func (c *Coordinator) Send(ctx context.Context, id string, payload []byte) (uint64, error) {
	return c.send(ctx, id, payload, false)
}

// SendLast 发送并约定为最后一条消息
func (c *Coordinator) SendLast(ctx context.Context, id string, payload []byte) (uint64, error) {
	return c.send(ctx, id, payload, true)
}

func (c *Coordinator) send(ctx context.Context, id string, payload []byte, last bool) (uint64, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	unlock := c.core.locks.lock(id)
	b, n, err := c.lifecycle.nextNumberLocked(ctx, id, last)
	if err != nil {
		unlock()
		return 0, err
	}
	if err := c.scheduler.onSentLocked(ctx, b, n, data, last); err != nil {
		unlock()
		return 0, fmt.Errorf("登记待确认消息失败: %w", err)
	}
	unlock()

	c.core.metrics.RecordSent()
	env := wire.NewApplication(b.ProtocolVersion, id, n, data, last)
	if err := c.transmit(ctx, env); err != nil {
		c.core.logger.Warn("首发失败，等待重传", seqField(id), numField(n), zap.Error(err))
	}
	return n, nil
}

// SetLastMessage 约定最后消息号
// 此前消息若已全部确认，序列随即完成
func (c *Coordinator) SetLastMessage(ctx context.Context, id string, n uint64) error {
	if err := c.lifecycle.SetLastMessage(ctx, id, n); err != nil {
		return err
	}
	if !c.core.opts.AutoTerminate {
		return nil
	}

	unlock := c.core.locks.lock(id)
	follow, err := c.completeLocked(ctx, id)
	unlock()
	if err != nil {
		return err
	}
	c.followUp(ctx, follow)
	return nil
}

// completeLocked 已全部确认的序列终止并返回待发的终止报文
func (c *Coordinator) completeLocked(ctx context.Context, id string) (*wire.Envelope, error) {
	b, err := c.lifecycle.loadRMS(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.State == sequence.StateTerminated || !isFullyAcked(b) {
		return nil, nil
	}
	ok, err := c.lifecycle.terminateLocked(ctx, id, "completed")
	if err != nil || !ok {
		return nil, err
	}
	return wire.NewControl(b.ProtocolVersion, wire.TypeTerminateSequence, id), nil
}

// CloseSequence 请求关闭，之后不再分配消息号
func (c *Coordinator) CloseSequence(ctx context.Context, id string) error {
	if err := c.lifecycle.RequestClose(ctx, id); err != nil {
		return err
	}
	return c.sendControl(ctx, wire.TypeCloseSequence, id)
}

// Terminate 终止序列，释放待确认消息并通知对端
func (c *Coordinator) Terminate(ctx context.Context, id string) error {
	unlock := c.core.locks.lock(id)
	terminated, err := c.lifecycle.terminateLocked(ctx, id, "requested")
	unlock()
	if err != nil {
		return err
	}
	c.notify(id)
	if !terminated {
		return nil
	}
	return c.sendControl(ctx, wire.TypeTerminateSequence, id)
}

func (c *Coordinator) sendControl(ctx context.Context, t wire.MessageType, id string) error {
	v := c.core.opts.ProtocolVersion
	if b, err := c.core.store.LoadRMS(ctx, id); err == nil {
		v = b.ProtocolVersion
	}
	if err := c.transmit(ctx, wire.NewControl(v, t, id)); err != nil {
		return fmt.Errorf("发送 %s 失败: %w", t, err)
	}
	return nil
}

// IsFullyAcked 已约定最后消息且全部确认
func (c *Coordinator) IsFullyAcked(ctx context.Context, id string) (bool, error) {
	return c.tracker.IsFullyAcked(ctx, id)
}

// Ranges 当前确认区间
func (c *Coordinator) Ranges(ctx context.Context, id string, dir sequence.Direction) (sequence.Ranges, error) {
	return c.tracker.Ranges(ctx, id, dir)
}

// =============================================================================
// 入站处理
// =============================================================================

// Receive 处理一个入站报文
// 协议故障以 OutcomeFaulted 返回，error 仅表示报文畸形、存储或应用回调失败
func (c *Coordinator) Receive(ctx context.Context, env *wire.Envelope) (*Result, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	switch env.Type {
	case wire.TypeCreateSequence:
		return c.receiveCreate(ctx, env)
	case wire.TypeFault:
		return c.receiveFault(ctx, env), nil
	}

	unlock := c.core.locks.lock(env.SequenceID)
	res, follow, err := c.receiveLocked(ctx, env)
	unlock()

	c.followUp(ctx, follow)
	return res, err
}

// followUp 在序列锁外发送后续报文
func (c *Coordinator) followUp(ctx context.Context, env *wire.Envelope) {
	if env == nil {
		return
	}
	if err := c.transmit(ctx, env); err != nil {
		c.core.logger.Warn("发送后续报文失败",
			seqField(env.SequenceID), zap.Stringer("type", env.Type), zap.Error(err))
	}
}

func (c *Coordinator) receiveLocked(ctx context.Context, env *wire.Envelope) (*Result, *wire.Envelope, error) {
	f, err := c.faults.Validate(ctx, env)
	if err != nil {
		return nil, nil, err
	}
	if f != nil {
		return c.faulted(f), nil, nil
	}

	switch env.Type {
	case wire.TypeApplication:
		res, err := c.receiveApplication(ctx, env)
		return res, nil, err
	case wire.TypeAcknowledgement:
		return c.receiveAck(ctx, env)
	case wire.TypeCreateSequenceResponse:
		res, err := c.receiveCreateResponse(ctx, env)
		return res, nil, err
	case wire.TypeCloseSequence:
		res, err := c.receiveClose(ctx, env)
		return res, nil, err
	case wire.TypeTerminateSequence:
		res, err := c.receiveTerminate(ctx, env)
		return res, nil, err
	}
	return nil, nil, fmt.Errorf("%w: 未知报文类型 %s", wire.ErrMalformed, env.Type)
}

// faulted 记录本端故障并渲染回送报文
func (c *Coordinator) faulted(f *fault.Fault) *Result {
	c.core.metrics.RecordFault(f.SequenceID(), f.Subcode.String(), "local")
	c.core.logger.Warn("入站报文触发故障",
		seqField(f.SequenceID()),
		zap.Stringer("subcode", f.Subcode),
		zap.String("reason", f.Reason))

	reply, err := c.renderer(f)
	if err != nil {
		c.core.logger.Warn("渲染故障失败", zap.Error(err))
	}
	return &Result{Outcome: OutcomeFaulted, Reply: reply, Fault: f}
}

// ackFor 当前确认区间，空区间不回送
func ackFor(b *sequence.RMDBean) *wire.Envelope {
	if len(b.AckedRanges) == 0 {
		return nil
	}
	return wire.NewAcknowledgement(b.ProtocolVersion, b.ID, b.AckedRanges.Clone())
}

func (c *Coordinator) receiveApplication(ctx context.Context, env *wire.Envelope) (*Result, error) {
	id, n := env.SequenceID, env.MessageNumber

	b, err := c.core.store.LoadRMD(ctx, id)
	if err != nil {
		return nil, err
	}

	if b.AckedRanges.Contains(n) {
		c.core.metrics.RecordDuplicate()
		c.core.logger.Debug("重复消息已抑制", seqField(id), numField(n))
		return &Result{Outcome: OutcomeDuplicateSuppressed, Reply: ackFor(b)}, nil
	}

	if env.IsLastMessage() && !b.HasLastMessage() {
		if b.HighestInMessageNumber > n {
			return c.faulted(fault.NewLastMessageNumberExceeded(b.ProtocolVersion, id, b.HighestInMessageNumber, n)), nil
		}
		b.LastMessageNumber = n
		if err := c.core.store.StoreRMD(ctx, b); err != nil {
			return nil, fmt.Errorf("保存最后消息号失败: %w", err)
		}
		if dropped := c.reorder.DropAbove(id, n); dropped > 0 {
			c.core.logger.Debug("丢弃超出最后消息号的暂存", seqField(id), zap.Int("dropped", dropped))
		}
	}

	if c.core.opts.InOrder {
		if expected := b.NextExpected(); n != expected {
			dup, err := c.reorder.Insert(id, expected, n, env.Payload, env.IsLastMessage(), c.core.clock.Now())
			if err != nil {
				return nil, fmt.Errorf("%w: %s 期望 %d 收到 %d", err, id, expected, n)
			}
			if dup {
				c.core.metrics.RecordDuplicate()
				return &Result{Outcome: OutcomeDuplicateSuppressed, Reply: ackFor(b)}, nil
			}
			c.core.metrics.RecordBuffered()
			c.core.logger.Debug("乱序消息已暂存", seqField(id), numField(n), zap.Uint64("expected", expected))
			return &Result{Outcome: OutcomeBuffered, Reply: ackFor(b)}, nil
		}
	}

	if err := c.deliver(ctx, id, n, env.Payload); err != nil {
		return nil, err
	}
	delivered := []uint64{n}

	// 交付紧随其后的暂存消息
	if c.core.opts.InOrder {
		for next := n + 1; ; next++ {
			m := c.reorder.Take(id, next)
			if m == nil {
				break
			}
			if err := c.deliver(ctx, id, m.Number, m.Payload); err != nil {
				// 未记入确认区间，对端会重传
				c.core.logger.Warn("暂存消息交付失败", seqField(id), numField(m.Number), zap.Error(err))
				break
			}
			delivered = append(delivered, m.Number)
		}
	}

	b, err = c.core.store.LoadRMD(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeDelivered, Delivered: delivered, Reply: ackFor(b)}, nil
}

// deliver 先交给应用，成功后才记入确认区间
func (c *Coordinator) deliver(ctx context.Context, id string, n uint64, payload []byte) error {
	if err := c.handler.OnMessage(ctx, id, n, payload); err != nil {
		return fmt.Errorf("应用处理消息 %d 失败: %w", n, err)
	}
	if _, err := c.tracker.recordLocked(ctx, id, n); err != nil {
		return err
	}
	c.core.metrics.RecordDelivered()
	return nil
}

func (c *Coordinator) receiveAck(ctx context.Context, env *wire.Envelope) (*Result, *wire.Envelope, error) {
	id := env.SequenceID

	b, err := c.tracker.mergeLocked(ctx, id, env.Ranges)
	if err != nil {
		if f, ok := fault.As(err); ok {
			return c.faulted(f), nil, nil
		}
		return nil, nil, err
	}

	pending, err := c.core.store.ListPending(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	acked := 0
	for _, p := range pending {
		if !b.AckedRanges.Contains(p.MessageNumber) {
			continue
		}
		ok, err := c.scheduler.onAckedLocked(ctx, id, p.MessageNumber)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			acked++
		}
	}
	c.core.logger.Debug("收到确认",
		seqField(id), zap.Stringer("ranges", b.AckedRanges), zap.Int("released", acked))

	res := &Result{Outcome: OutcomeAcknowledged}
	if !c.core.opts.AutoTerminate {
		return res, nil, nil
	}
	follow, err := c.completeLocked(ctx, id)
	return res, follow, err
}

func (c *Coordinator) receiveCreateResponse(ctx context.Context, env *wire.Envelope) (*Result, error) {
	id := env.SequenceID
	b, err := c.lifecycle.loadRMS(ctx, id)
	if err != nil {
		return nil, err
	}
	// 重复的响应忽略
	if b.State == sequence.StateCreating {
		if _, err := c.lifecycle.establishLocked(ctx, id); err != nil {
			return nil, err
		}
		c.notify(id)
		c.core.logger.Debug("序列已建立", seqField(id))
	}
	return &Result{Outcome: OutcomeControl}, nil
}

func (c *Coordinator) receiveClose(ctx context.Context, env *wire.Envelope) (*Result, error) {
	b, err := c.lifecycle.closeInboundLocked(ctx, env.SequenceID)
	if err != nil {
		if f, ok := fault.As(err); ok {
			return c.faulted(f), nil
		}
		return nil, err
	}
	// 关闭后回送最终确认
	return &Result{Outcome: OutcomeControl, Reply: ackFor(b)}, nil
}

func (c *Coordinator) receiveTerminate(ctx context.Context, env *wire.Envelope) (*Result, error) {
	id := env.SequenceID
	if _, err := c.lifecycle.terminateInboundLocked(ctx, id, "peer"); err != nil {
		return nil, err
	}
	c.reorder.Drop(id)
	return &Result{Outcome: OutcomeControl}, nil
}

func (c *Coordinator) receiveCreate(ctx context.Context, env *wire.Envelope) (*Result, error) {
	id := env.SequenceID

	unlock := c.core.locks.lock(id)
	created, err := c.lifecycle.acceptInboundLocked(ctx, id, env.Version)
	unlock()
	if err != nil {
		if f, ok := fault.As(err); ok {
			return c.faulted(f), nil
		}
		return nil, err
	}
	if !created {
		c.core.logger.Debug("重复的创建请求", seqField(id))
	}
	return &Result{
		Outcome: OutcomeControl,
		Reply:   wire.NewControl(env.Version, wire.TypeCreateSequenceResponse, id),
	}, nil
}

// receiveFault 处理对端故障
func (c *Coordinator) receiveFault(ctx context.Context, env *wire.Envelope) *Result {
	f, ok := c.faults.ProcessIncomingFault(env)
	if !ok {
		return &Result{Outcome: OutcomeControl}
	}
	c.onPeerFault(ctx, f)
	return &Result{Outcome: OutcomeControl, Fault: f}
}

// onPeerFault 对端不再承认的序列在本端终止
func (c *Coordinator) onPeerFault(ctx context.Context, f *fault.Fault) {
	id := f.SequenceID()
	if id == "" {
		return
	}

	switch f.Subcode {
	case fault.UnknownSequence, fault.SequenceTerminated, fault.CreateSequenceRefused:
		unlock := c.core.locks.lock(id)
		if _, err := c.core.store.LoadRMS(ctx, id); err == nil {
			if _, err := c.lifecycle.terminateLocked(ctx, id, "peer_fault"); err != nil {
				c.core.logger.Warn("终止序列失败", seqField(id), zap.Error(err))
			}
		}
		if _, err := c.core.store.LoadRMD(ctx, id); err == nil {
			if _, err := c.lifecycle.terminateInboundLocked(ctx, id, "peer_fault"); err != nil {
				c.core.logger.Warn("终止序列失败", seqField(id), zap.Error(err))
			}
			c.reorder.Drop(id)
		}
		unlock()
		c.notify(id)

	case fault.SequenceClosed:
		if err := c.lifecycle.RequestClose(ctx, id); err != nil {
			c.core.logger.Debug("对端已关闭序列", seqField(id), zap.Error(err))
		}
	}
}

// =============================================================================
// 指标数据源 (metrics.SequenceStats)
// =============================================================================

// GetSequenceCounts 各方向各状态的序列数
func (c *Coordinator) GetSequenceCounts() []metrics.SequenceCount {
	ctx := context.Background()
	var out []metrics.SequenceCount
	for _, dir := range []sequence.Direction{sequence.Outbound, sequence.Inbound} {
		for st := sequence.StateCreating; st <= sequence.StateTerminated; st++ {
			n, err := c.core.store.CountByState(ctx, dir, st)
			if err != nil {
				c.core.logger.Debug("统计序列失败", zap.Error(err))
				continue
			}
			out = append(out, metrics.SequenceCount{
				Direction: dir.String(),
				State:     st.String(),
				Count:     n,
			})
		}
	}
	return out
}

// GetBufferedMessages 乱序缓冲中的消息数
func (c *Coordinator) GetBufferedMessages() int {
	return c.reorder.Len()
}

// GetRetiredSequences 已清除的序列数
func (c *Coordinator) GetRetiredSequences() uint64 {
	return c.faults.retired.Total()
}
