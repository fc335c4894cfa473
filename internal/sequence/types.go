// =============================================================================
// 文件: internal/sequence/types.go
// 描述: 可靠消息序列 - 统一类型定义 (序列、发送端/接收端记录、待确认消息)
// =============================================================================
package sequence

import (
	"math"
	"time"
)

// 协议常量
const (
	// FirstMessageNumber 消息号从 1 开始
	FirstMessageNumber uint64 = 1

	// MaxMessageNumber 消息号上限 (超过即为 rollover)
	MaxMessageNumber uint64 = math.MaxInt64

	// IDPrefix 序列标识前缀
	IDPrefix = "urn:uuid:"
)

// Direction 序列方向
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	}
	return "unknown"
}

// State 序列状态
type State uint8

const (
	StateCreating State = iota
	StateEstablished
	StateClosing
	StateTerminated
)

func (s State) String() string {
	names := []string{"CREATING", "ESTABLISHED", "CLOSING", "TERMINATED"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// ParseState 解析状态名
func ParseState(name string) (State, bool) {
	for s := StateCreating; s <= StateTerminated; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// ProtocolVersion 协议版本 (两套历史编号方案)
type ProtocolVersion uint8

const (
	// Version10 旧版编号 (2005/02)，故障码使用 SOAP 1.1 的 Client
	Version10 ProtocolVersion = iota + 1
	// Version11 当前编号 (2007/02)，故障码使用 SOAP 1.2 的 Sender
	Version11
)

func (v ProtocolVersion) String() string {
	switch v {
	case Version10:
		return "1.0"
	case Version11:
		return "1.1"
	}
	return "unknown"
}

// Valid 是否为已知版本
func (v ProtocolVersion) Valid() bool {
	return v == Version10 || v == Version11
}

// ParseProtocolVersion 解析版本字符串
func ParseProtocolVersion(s string) (ProtocolVersion, bool) {
	switch s {
	case "1.0", "2005/02":
		return Version10, true
	case "1.1", "2007/02":
		return Version11, true
	}
	return 0, false
}

// Sequence 序列公共属性
type Sequence struct {
	ID                string
	Direction         Direction
	State             State
	LastMessageNumber uint64 // 0 表示未设置
	ProtocolVersion   ProtocolVersion
	CreatedAt         time.Time
}

// HasLastMessage 是否已约定最后一条消息
func (s *Sequence) HasLastMessage() bool {
	return s.LastMessageNumber != 0
}

// RMSBean 发送端序列记录
type RMSBean struct {
	Sequence

	NextMessageNumber  uint64
	HighestAckedNumber uint64
	AckedRanges        Ranges
	RetransmitInterval time.Duration
	LastActivity       time.Time
}

// NewRMSBean 创建发送端记录 (CREATING 状态)
func NewRMSBean(id string, version ProtocolVersion, interval time.Duration, now time.Time) *RMSBean {
	return &RMSBean{
		Sequence: Sequence{
			ID:              id,
			Direction:       Outbound,
			State:           StateCreating,
			ProtocolVersion: version,
			CreatedAt:       now,
		},
		NextMessageNumber:  FirstMessageNumber,
		RetransmitInterval: interval,
		LastActivity:       now,
	}
}

// Clone 深拷贝
func (b *RMSBean) Clone() *RMSBean {
	if b == nil {
		return nil
	}
	c := *b
	c.AckedRanges = b.AckedRanges.Clone()
	return &c
}

// LastAllocated 最后已分配的消息号 (0 表示尚未分配)
func (b *RMSBean) LastAllocated() uint64 {
	return b.NextMessageNumber - 1
}

// RMDBean 接收端序列记录
type RMDBean struct {
	Sequence

	HighestInMessageNumber uint64
	AckedRanges            Ranges
	Closed                 bool
	Terminated             bool
	LastActivity           time.Time
}

// NewRMDBean 创建接收端记录 (对端发起创建后直接进入 ESTABLISHED)
func NewRMDBean(id string, version ProtocolVersion, now time.Time) *RMDBean {
	return &RMDBean{
		Sequence: Sequence{
			ID:              id,
			Direction:       Inbound,
			State:           StateEstablished,
			ProtocolVersion: version,
			CreatedAt:       now,
		},
		LastActivity: now,
	}
}

// Clone 深拷贝
func (b *RMDBean) Clone() *RMDBean {
	if b == nil {
		return nil
	}
	c := *b
	c.AckedRanges = b.AckedRanges.Clone()
	return &c
}

// NextExpected 下一个可按序交付的消息号
func (b *RMDBean) NextExpected() uint64 {
	if len(b.AckedRanges) > 0 && b.AckedRanges[0].Lower == FirstMessageNumber {
		return b.AckedRanges[0].Upper + 1
	}
	return FirstMessageNumber
}

// PendingMessage 等待确认的出站消息
type PendingMessage struct {
	SequenceID         string
	MessageNumber      uint64
	Payload            []byte
	LastMessage        bool
	SendCount          int
	NextRetransmitTime time.Time
	FirstSentAt        time.Time
}

// Clone 深拷贝
func (p *PendingMessage) Clone() *PendingMessage {
	if p == nil {
		return nil
	}
	c := *p
	if p.Payload != nil {
		c.Payload = make([]byte, len(p.Payload))
		copy(c.Payload, p.Payload)
	}
	return &c
}
