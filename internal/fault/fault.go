// =============================================================================
// 文件: internal/fault/fault.go
// 描述: 协议故障 - 子码枚举、故障记录与唯一构造入口
// =============================================================================
package fault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mrcgq/wsrm/internal/sequence"
)

// Subcode 故障子码
type Subcode uint8

const (
	// 由入站流量触发，可序列化给对端
	UnknownSequence Subcode = iota + 1
	InvalidAcknowledgement
	LastMessageNumberExceeded
	SequenceClosed
	SequenceTerminated
	MessageNumberRollover
	CreateSequenceRefused

	// 本地故障，永不上线路
	SequenceCreationRefused
	MaxRetransmitsExceeded
	InvalidStateTransition
)

var subcodeNames = map[Subcode]string{
	UnknownSequence:           "UnknownSequence",
	InvalidAcknowledgement:    "InvalidAcknowledgement",
	LastMessageNumberExceeded: "LastMessageNumberExceeded",
	SequenceClosed:            "SequenceClosed",
	SequenceTerminated:        "SequenceTerminated",
	MessageNumberRollover:     "MessageNumberRollover",
	CreateSequenceRefused:     "CreateSequenceRefused",
	SequenceCreationRefused:   "SequenceCreationRefused",
	MaxRetransmitsExceeded:    "MaxRetransmitsExceeded",
	InvalidStateTransition:    "InvalidStateTransition",
}

func (s Subcode) String() string {
	if name, ok := subcodeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Subcode(%d)", uint8(s))
}

// Local 是否为仅本地可见的故障
func (s Subcode) Local() bool {
	switch s {
	case SequenceCreationRefused, MaxRetransmitsExceeded, InvalidStateTransition:
		return true
	}
	return false
}

// QName 带命名空间前缀的线路子码
func (s Subcode) QName() string {
	return NSPrefix + ":" + s.String()
}

// ParseSubcode 解析线路子码 (忽略大小写与前缀)
func ParseSubcode(value string) (Subcode, bool) {
	if i := strings.LastIndexByte(value, ':'); i >= 0 {
		value = value[i+1:]
	}
	for s, name := range subcodeNames {
		if !s.Local() && strings.EqualFold(name, value) {
			return s, true
		}
	}
	return 0, false
}

// IsRMFault 子码是否属于可靠消息协议故障
func IsRMFault(subcode string) bool {
	if subcode == "" {
		return false
	}
	_, ok := ParseSubcode(subcode)
	return ok
}

// 故障码与命名空间
const (
	NSPrefix = "wsrm"

	CodeClient = "soapenv:Client" // SOAP 1.1 发送方故障
	CodeSender = "soapenv:Sender" // SOAP 1.2 发送方故障

	NamespaceV10 = "http://schemas.xmlsoap.org/ws/2005/02/rm"
	NamespaceV11 = "http://docs.oasis-open.org/ws-rx/wsrm/200702"
)

// SenderCode 按协议版本选择发送方故障码
func SenderCode(v sequence.ProtocolVersion) string {
	if v == sequence.Version10 {
		return CodeClient
	}
	return CodeSender
}

// Namespace 按协议版本选择命名空间
func Namespace(v sequence.ProtocolVersion) string {
	if v == sequence.Version10 {
		return NamespaceV10
	}
	return NamespaceV11
}

// Detail 结构化详情
type Detail struct {
	SequenceID        string          `json:"sequence_id"`
	MessageNumber     uint64          `json:"message_number,omitempty"`
	LastMessageNumber uint64          `json:"last_message_number,omitempty"`
	Range             *sequence.Range `json:"range,omitempty"`
}

// Fault 故障记录
type Fault struct {
	Code    string
	Subcode Subcode
	Reason  string
	Detail  Detail
	Version sequence.ProtocolVersion
}

// Error 实现 error
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Subcode, f.Reason)
}

// Local 是否仅本地可见
func (f *Fault) Local() bool {
	return f.Subcode.Local()
}

// SequenceID 关联的序列
func (f *Fault) SequenceID() string {
	return f.Detail.SequenceID
}

// Is 支持 errors.Is(err, &Fault{Subcode: X}) 按子码比较
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Subcode == f.Subcode
}

// GetFault 唯一构造入口，保证线路渲染一致
func GetFault(v sequence.ProtocolVersion, subcode Subcode, reason string, detail Detail) *Fault {
	if !v.Valid() {
		v = sequence.Version11
	}
	f := &Fault{
		Subcode: subcode,
		Reason:  reason,
		Detail:  detail,
		Version: v,
	}
	if !subcode.Local() {
		f.Code = SenderCode(v)
	}
	return f
}

// As 从错误链中取出故障
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// HasSubcode 错误链中是否含指定子码故障
func HasSubcode(err error, s Subcode) bool {
	f, ok := As(err)
	return ok && f.Subcode == s
}

// =============================================================================
// 便捷构造
// =============================================================================

func NewUnknownSequence(v sequence.ProtocolVersion, id string) *Fault {
	return GetFault(v, UnknownSequence,
		fmt.Sprintf("no sequence with identifier %q is established", id),
		Detail{SequenceID: id})
}

func NewLastMessageNumberExceeded(v sequence.ProtocolVersion, id string, n, last uint64) *Fault {
	return GetFault(v, LastMessageNumberExceeded,
		fmt.Sprintf("message number %d is larger than the last message number %d", n, last),
		Detail{SequenceID: id, MessageNumber: n, LastMessageNumber: last})
}

func NewInvalidAcknowledgement(v sequence.ProtocolVersion, id string, r sequence.Range) *Fault {
	rc := r
	return GetFault(v, InvalidAcknowledgement,
		fmt.Sprintf("acknowledgement range lower=%d upper=%d is invalid", r.Lower, r.Upper),
		Detail{SequenceID: id, Range: &rc})
}

func NewSequenceClosed(v sequence.ProtocolVersion, id string) *Fault {
	return GetFault(v, SequenceClosed,
		fmt.Sprintf("cannot accept message as sequence %q is closed", id),
		Detail{SequenceID: id})
}

func NewSequenceTerminated(v sequence.ProtocolVersion, id string) *Fault {
	return GetFault(v, SequenceTerminated,
		fmt.Sprintf("sequence %q has been terminated", id),
		Detail{SequenceID: id})
}

func NewMessageNumberRollover(v sequence.ProtocolVersion, id string, n uint64) *Fault {
	return GetFault(v, MessageNumberRollover,
		fmt.Sprintf("message number %d exceeds the maximum message number", n),
		Detail{SequenceID: id, MessageNumber: n})
}

func NewCreateSequenceRefused(v sequence.ProtocolVersion, id, reason string) *Fault {
	return GetFault(v, CreateSequenceRefused, reason, Detail{SequenceID: id})
}

func NewSequenceCreationRefused(id string, limit int) *Fault {
	return GetFault(sequence.Version11, SequenceCreationRefused,
		fmt.Sprintf("outbound sequence limit %d reached", limit),
		Detail{SequenceID: id})
}

func NewMaxRetransmitsExceeded(id string, n uint64, sendCount int) *Fault {
	return GetFault(sequence.Version11, MaxRetransmitsExceeded,
		fmt.Sprintf("message %d sent %d times without acknowledgement", n, sendCount),
		Detail{SequenceID: id, MessageNumber: n})
}

func NewInvalidStateTransition(id string, from, to sequence.State) *Fault {
	return GetFault(sequence.Version11, InvalidStateTransition,
		fmt.Sprintf("illegal transition %s -> %s", from, to),
		Detail{SequenceID: id})
}
