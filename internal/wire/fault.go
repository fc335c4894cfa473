// =============================================================================
// 文件: internal/wire/fault.go
// 描述: 故障渲染 - 将故障记录转为线路故障报文，及其逆过程
// =============================================================================
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mrcgq/wsrm/internal/fault"
	"github.com/mrcgq/wsrm/internal/sequence"
)

// ErrLocalFault 本地故障不可序列化
var ErrLocalFault = errors.New("本地故障不能发送给对端")

// WireFault 线路故障
type WireFault struct {
	Code      string // soapenv:Client / soapenv:Sender
	Subcode   string // wsrm:UnknownSequence 等
	Namespace string
	Reason    string
	Detail    fault.Detail
}

// RenderFault 默认故障渲染器
func RenderFault(f *fault.Fault) (*Envelope, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: 故障为空", ErrMalformed)
	}
	if f.Local() {
		return nil, fmt.Errorf("%w: %s", ErrLocalFault, f.Subcode)
	}
	return &Envelope{
		Version:    f.Version,
		Type:       TypeFault,
		SequenceID: f.SequenceID(),
		Fault: &WireFault{
			Code:      f.Code,
			Subcode:   f.Subcode.QName(),
			Namespace: fault.Namespace(f.Version),
			Reason:    f.Reason,
			Detail:    f.Detail,
		},
	}, nil
}

// ParseFault 从故障报文还原故障记录
// 子码不属于可靠消息协议时返回 false
func ParseFault(e *Envelope) (*fault.Fault, bool) {
	if e == nil || e.Type != TypeFault || e.Fault == nil {
		return nil, false
	}
	sub, ok := fault.ParseSubcode(e.Fault.Subcode)
	if !ok {
		return nil, false
	}
	f := fault.GetFault(e.Version, sub, e.Fault.Reason, e.Fault.Detail)
	if e.Fault.Code != "" {
		f.Code = e.Fault.Code
	}
	if f.Detail.SequenceID == "" {
		f.Detail.SequenceID = e.SequenceID
	}
	return f, true
}

// =============================================================================
// 故障负载编码
// 字符串: Len(2) + 字节；数字: 8 字节大端
// =============================================================================

func putString(buf []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func putUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func encodeFault(f *WireFault) []byte {
	buf := make([]byte, 0, 128+len(f.Reason))
	buf = putString(buf, f.Code)
	buf = putString(buf, f.Subcode)
	buf = putString(buf, f.Namespace)
	buf = putString(buf, f.Reason)
	buf = putString(buf, f.Detail.SequenceID)
	buf = putUint64(buf, f.Detail.MessageNumber)
	buf = putUint64(buf, f.Detail.LastMessageNumber)
	if f.Detail.Range != nil {
		buf = append(buf, 1)
		buf = putUint64(buf, f.Detail.Range.Lower)
		buf = putUint64(buf, f.Detail.Range.Upper)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

type faultReader struct {
	data []byte
	off  int
	err  error
}

func (r *faultReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: 故障内容被截断", ErrMalformed)
		return false
	}
	return true
}

func (r *faultReader) readString() string {
	if !r.need(2) {
		return ""
	}
	n := int(binary.BigEndian.Uint16(r.data[r.off:]))
	r.off += 2
	if !r.need(n) {
		return ""
	}
	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s
}

func (r *faultReader) readUint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *faultReader) readByte() byte {
	if !r.need(1) {
		return 0
	}
	b := r.data[r.off]
	r.off++
	return b
}

func decodeFault(data []byte) (*WireFault, error) {
	r := &faultReader{data: data}
	f := &WireFault{
		Code:      r.readString(),
		Subcode:   r.readString(),
		Namespace: r.readString(),
		Reason:    r.readString(),
	}
	f.Detail.SequenceID = r.readString()
	f.Detail.MessageNumber = r.readUint64()
	f.Detail.LastMessageNumber = r.readUint64()
	if r.readByte() == 1 {
		f.Detail.Range = &sequence.Range{Lower: r.readUint64(), Upper: r.readUint64()}
	}
	if r.err != nil {
		return nil, r.err
	}
	return f, nil
}
