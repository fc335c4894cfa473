// =============================================================================
// 文件: internal/engine/options.go
// 描述: 引擎参数与外部协作者接口
// =============================================================================
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/mrcgq/wsrm/internal/fault"
	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/wire"
)

// 默认参数
const (
	DefaultRetransmitInterval = 3 * time.Second
	DefaultMaxInterval        = 60 * time.Second
	DefaultMaxSendCount       = 10
	DefaultTick               = 500 * time.Millisecond

	DefaultReorderWindow     = 256
	DefaultInactivityTimeout = 10 * time.Minute
	DefaultRetention         = 10 * time.Minute
	DefaultReapInterval      = 30 * time.Second
	DefaultRetiredHorizon    = 24 * time.Hour
)

// 错误定义
var (
	ErrUnknownSequence = errors.New("序列不存在")
	ErrNotEstablished  = errors.New("序列未处于 ESTABLISHED 状态")
	ErrReorderOverflow = errors.New("乱序缓冲区已满")
	ErrClosed          = errors.New("引擎已关闭")
	ErrNoTransmitter   = errors.New("未配置发送通道")
)

// RetransmitOptions 重传参数
type RetransmitOptions struct {
	Interval           time.Duration // 首次重传间隔 (序列创建时写入记录)
	MaxInterval        time.Duration // 退避上限
	MaxSendCount       int           // 含首发在内的最大发送次数
	ExponentialBackoff bool
	Tick               time.Duration // 扫描周期
}

// Options 引擎参数
type Options struct {
	ProtocolVersion sequence.ProtocolVersion

	// 0 表示不限制
	MaxOutboundSequences int
	MaxInboundSequences  int

	InOrder       bool
	ReorderWindow int
	AutoTerminate bool

	InactivityTimeout time.Duration
	Retention         time.Duration
	ReapInterval      time.Duration
	RetiredHorizon    time.Duration

	Retransmit RetransmitOptions
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		ProtocolVersion:   sequence.Version11,
		InOrder:           true,
		ReorderWindow:     DefaultReorderWindow,
		AutoTerminate:     true,
		InactivityTimeout: DefaultInactivityTimeout,
		Retention:         DefaultRetention,
		ReapInterval:      DefaultReapInterval,
		RetiredHorizon:    DefaultRetiredHorizon,
		Retransmit: RetransmitOptions{
			Interval:           DefaultRetransmitInterval,
			MaxInterval:        DefaultMaxInterval,
			MaxSendCount:       DefaultMaxSendCount,
			ExponentialBackoff: true,
			Tick:               DefaultTick,
		},
	}
}

// withDefaults 零值字段回填默认值
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if !o.ProtocolVersion.Valid() {
		o.ProtocolVersion = d.ProtocolVersion
	}
	if o.ReorderWindow <= 0 {
		o.ReorderWindow = d.ReorderWindow
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = d.InactivityTimeout
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = d.ReapInterval
	}
	if o.RetiredHorizon <= 0 {
		o.RetiredHorizon = d.RetiredHorizon
	}
	if o.Retransmit.Interval <= 0 {
		o.Retransmit.Interval = d.Retransmit.Interval
	}
	if o.Retransmit.MaxInterval < o.Retransmit.Interval {
		o.Retransmit.MaxInterval = o.Retransmit.Interval
	}
	if o.Retransmit.MaxSendCount <= 0 {
		o.Retransmit.MaxSendCount = d.Retransmit.MaxSendCount
	}
	if o.Retransmit.Tick <= 0 {
		o.Retransmit.Tick = d.Retransmit.Tick
	}
	return o
}

// =============================================================================
// 外部协作者
// =============================================================================

// Transmitter 出站通道，由传输层提供
type Transmitter interface {
	Transmit(ctx context.Context, env *wire.Envelope) error
}

// TransmitterFunc 函数适配
type TransmitterFunc func(ctx context.Context, env *wire.Envelope) error

func (f TransmitterFunc) Transmit(ctx context.Context, env *wire.Envelope) error {
	return f(ctx, env)
}

// Handler 应用回调，每条消息至多成功调用一次
type Handler interface {
	OnMessage(ctx context.Context, sequenceID string, n uint64, payload []byte) error
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, sequenceID string, n uint64, payload []byte) error

func (f HandlerFunc) OnMessage(ctx context.Context, sequenceID string, n uint64, payload []byte) error {
	return f(ctx, sequenceID, n, payload)
}

// FaultRenderer 故障渲染器
type FaultRenderer func(*fault.Fault) (*wire.Envelope, error)

// FaultListener 对端故障观察者
type FaultListener func(*fault.Fault)

// FailureListener 消息永久失败观察者
type FailureListener func(*sequence.PendingMessage, *fault.Fault)
