// =============================================================================
// 文件: internal/wire/envelope.go
// 描述: 协议报文 - 不透明信封的类型定义与二进制编解码
// =============================================================================
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mrcgq/wsrm/internal/sequence"
)

// 编码常量
const (
	// 头部: Magic(1) + Version(1) + Type(1) + Flags(1) + MsgNum(8) + IDLen(2) + RangeCount(2) + PayloadLen(4) = 20 bytes
	HeaderSize = 20
	RangeSize  = 16

	Magic byte = 0xA7

	MaxSequenceIDLen = 1024
	MaxRanges        = 4096
	MaxPayloadSize   = 16 << 20
)

// 标志位
const (
	FlagLastMessage uint8 = 0x01 // 本条为序列最后一条消息
)

// MessageType 报文类型
type MessageType uint8

const (
	TypeApplication MessageType = iota + 1
	TypeAcknowledgement
	TypeCreateSequence
	TypeCreateSequenceResponse
	TypeCloseSequence
	TypeTerminateSequence
	TypeFault
)

func (t MessageType) String() string {
	switch t {
	case TypeApplication:
		return "Application"
	case TypeAcknowledgement:
		return "Acknowledgement"
	case TypeCreateSequence:
		return "CreateSequence"
	case TypeCreateSequenceResponse:
		return "CreateSequenceResponse"
	case TypeCloseSequence:
		return "CloseSequence"
	case TypeTerminateSequence:
		return "TerminateSequence"
	case TypeFault:
		return "Fault"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// 错误定义
var (
	ErrMalformed = errors.New("报文格式错误")
	ErrTooShort  = errors.New("数据太短")
	ErrBadMagic  = errors.New("魔数不匹配")
)

// Envelope 协议信封
// 引擎只读取协议头字段，Payload 对引擎不透明
type Envelope struct {
	Version       sequence.ProtocolVersion
	Type          MessageType
	Flags         uint8
	SequenceID    string
	MessageNumber uint64
	Ranges        []sequence.Range
	Payload       []byte

	// Fault 仅 TypeFault 报文携带
	Fault *WireFault
}

// IsLastMessage 是否带最后消息标记
func (e *Envelope) IsLastMessage() bool {
	return e.Flags&FlagLastMessage != 0
}

// Validate 结构校验 (协议语义校验由故障管理器负责)
func (e *Envelope) Validate() error {
	if !e.Version.Valid() {
		return fmt.Errorf("%w: 未知协议版本 %d", ErrMalformed, e.Version)
	}
	if e.SequenceID == "" {
		return fmt.Errorf("%w: 缺少序列标识", ErrMalformed)
	}
	if len(e.SequenceID) > MaxSequenceIDLen {
		return fmt.Errorf("%w: 序列标识过长 %d", ErrMalformed, len(e.SequenceID))
	}
	switch e.Type {
	case TypeApplication:
		if e.MessageNumber == 0 {
			return fmt.Errorf("%w: 应用消息缺少消息号", ErrMalformed)
		}
	case TypeAcknowledgement:
		if len(e.Ranges) == 0 {
			return fmt.Errorf("%w: 确认报文缺少区间", ErrMalformed)
		}
	case TypeFault:
		if e.Fault == nil {
			return fmt.Errorf("%w: 故障报文缺少故障内容", ErrMalformed)
		}
	case TypeCreateSequence, TypeCreateSequenceResponse, TypeCloseSequence, TypeTerminateSequence:
	default:
		return fmt.Errorf("%w: 未知报文类型 %d", ErrMalformed, e.Type)
	}
	if len(e.Ranges) > MaxRanges {
		return fmt.Errorf("%w: 区间过多 %d", ErrMalformed, len(e.Ranges))
	}
	return nil
}

// Encode 编码信封
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	payload := e.Payload
	if e.Type == TypeFault {
		payload = encodeFault(e.Fault)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: 负载过大 %d", ErrMalformed, len(payload))
	}

	idLen := len(e.SequenceID)
	totalLen := HeaderSize + idLen + len(e.Ranges)*RangeSize + len(payload)
	buf := make([]byte, totalLen)

	buf[0] = Magic
	buf[1] = byte(e.Version)
	buf[2] = byte(e.Type)
	buf[3] = e.Flags
	binary.BigEndian.PutUint64(buf[4:12], e.MessageNumber)
	binary.BigEndian.PutUint16(buf[12:14], uint16(idLen))
	binary.BigEndian.PutUint16(buf[14:16], uint16(len(e.Ranges)))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(payload)))

	offset := HeaderSize
	copy(buf[offset:], e.SequenceID)
	offset += idLen

	for _, r := range e.Ranges {
		binary.BigEndian.PutUint64(buf[offset:offset+8], r.Lower)
		binary.BigEndian.PutUint64(buf[offset+8:offset+16], r.Upper)
		offset += RangeSize
	}

	copy(buf[offset:], payload)
	return buf, nil
}

// Decode 解码信封
func Decode(data []byte) (*Envelope, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrTooShort, len(data), HeaderSize)
	}
	if data[0] != Magic {
		return nil, ErrBadMagic
	}

	e := &Envelope{
		Version:       sequence.ProtocolVersion(data[1]),
		Type:          MessageType(data[2]),
		Flags:         data[3],
		MessageNumber: binary.BigEndian.Uint64(data[4:12]),
	}
	idLen := int(binary.BigEndian.Uint16(data[12:14]))
	rangeCount := int(binary.BigEndian.Uint16(data[14:16]))
	payloadLen := int(binary.BigEndian.Uint32(data[16:20]))

	want := HeaderSize + idLen + rangeCount*RangeSize + payloadLen
	if len(data) < want {
		return nil, fmt.Errorf("%w: 数据不完整 %d < %d", ErrMalformed, len(data), want)
	}

	offset := HeaderSize
	e.SequenceID = string(data[offset : offset+idLen])
	offset += idLen

	if rangeCount > 0 {
		e.Ranges = make([]sequence.Range, rangeCount)
		for i := range e.Ranges {
			e.Ranges[i] = sequence.Range{
				Lower: binary.BigEndian.Uint64(data[offset : offset+8]),
				Upper: binary.BigEndian.Uint64(data[offset+8 : offset+16]),
			}
			offset += RangeSize
		}
	}

	if payloadLen > 0 {
		payload := make([]byte, payloadLen)
		copy(payload, data[offset:offset+payloadLen])
		if e.Type == TypeFault {
			f, err := decodeFault(payload)
			if err != nil {
				return nil, err
			}
			e.Fault = f
		} else {
			e.Payload = payload
		}
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// =============================================================================
// 便捷构造
// =============================================================================

// NewApplication 创建应用消息
func NewApplication(v sequence.ProtocolVersion, id string, n uint64, payload []byte, last bool) *Envelope {
	e := &Envelope{
		Version:       v,
		Type:          TypeApplication,
		SequenceID:    id,
		MessageNumber: n,
	}
	if last {
		e.Flags |= FlagLastMessage
	}
	if len(payload) > 0 {
		e.Payload = make([]byte, len(payload))
		copy(e.Payload, payload)
	}
	return e
}

// NewAcknowledgement 创建确认报文
func NewAcknowledgement(v sequence.ProtocolVersion, id string, ranges []sequence.Range) *Envelope {
	rs := make([]sequence.Range, len(ranges))
	copy(rs, ranges)
	return &Envelope{
		Version:    v,
		Type:       TypeAcknowledgement,
		SequenceID: id,
		Ranges:     rs,
	}
}

// NewControl 创建无负载的控制报文
func NewControl(v sequence.ProtocolVersion, t MessageType, id string) *Envelope {
	return &Envelope{
		Version:    v,
		Type:       t,
		SequenceID: id,
	}
}
