// =============================================================================
// 文件: internal/wire/envelope_test.go
// 描述: 报文编解码测试
// =============================================================================
package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mrcgq/wsrm/internal/fault"
	"github.com/mrcgq/wsrm/internal/sequence"
)

func TestApplicationEncodeDecode(t *testing.T) {
	e := NewApplication(sequence.Version11, "urn:uuid:abc", 42, []byte("hello"), true)

	data, err := e.Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}

	if got.Type != TypeApplication {
		t.Errorf("Type 不正确: got %s", got.Type)
	}
	if got.SequenceID != "urn:uuid:abc" {
		t.Errorf("SequenceID 不正确: got %s", got.SequenceID)
	}
	if got.MessageNumber != 42 {
		t.Errorf("MessageNumber 不正确: got %d, want 42", got.MessageNumber)
	}
	if !got.IsLastMessage() {
		t.Error("应带最后消息标记")
	}
	if !bytes.Equal(got.Payload, []byte("hello")) {
		t.Errorf("Payload 不正确: got %q", got.Payload)
	}
}

func TestAcknowledgementRangesPreserved(t *testing.T) {
	// 非法区间也必须原样传到故障管理器
	ranges := []sequence.Range{{Lower: 1, Upper: 3}, {Lower: 5, Upper: 2}}
	data, err := NewAcknowledgement(sequence.Version10, "s", ranges).Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if len(got.Ranges) != 2 || got.Ranges[1] != (sequence.Range{Lower: 5, Upper: 2}) {
		t.Errorf("区间不正确: got %v", got.Ranges)
	}
	if got.Version != sequence.Version10 {
		t.Errorf("Version 不正确: got %s", got.Version)
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, _ := NewApplication(sequence.Version11, "s", 1, []byte("x"), false).Encode()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"太短", valid[:5], ErrTooShort},
		{"魔数错误", append([]byte{0x00}, valid[1:]...), ErrBadMagic},
		{"截断", valid[:len(valid)-1], ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("错误不正确: got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		e    *Envelope
		ok   bool
	}{
		{"应用消息", NewApplication(sequence.Version11, "s", 1, nil, false), true},
		{"消息号为零", NewApplication(sequence.Version11, "s", 0, nil, false), false},
		{"缺少序列", NewApplication(sequence.Version11, "", 1, nil, false), false},
		{"未知版本", NewApplication(0, "s", 1, nil, false), false},
		{"空确认", NewAcknowledgement(sequence.Version11, "s", nil), false},
		{"关闭", NewControl(sequence.Version11, TypeCloseSequence, "s"), true},
		{"未知类型", &Envelope{Version: sequence.Version11, Type: 99, SequenceID: "s"}, false},
	}
	for _, tt := range tests {
		err := tt.e.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestRenderAndParseFault(t *testing.T) {
	f := fault.NewInvalidAcknowledgement(sequence.Version10, "s1", sequence.Range{Lower: 5, Upper: 2})

	env, err := RenderFault(f)
	if err != nil {
		t.Fatalf("渲染失败: %v", err)
	}
	if env.Fault.Code != fault.CodeClient {
		t.Errorf("1.0 故障码不正确: got %s", env.Fault.Code)
	}
	if env.Fault.Namespace != fault.NamespaceV10 {
		t.Errorf("命名空间不正确: got %s", env.Fault.Namespace)
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}

	back, ok := ParseFault(decoded)
	if !ok {
		t.Fatal("应能还原故障")
	}
	if back.Subcode != fault.InvalidAcknowledgement {
		t.Errorf("子码不正确: got %s", back.Subcode)
	}
	if back.Detail.Range == nil || *back.Detail.Range != (sequence.Range{Lower: 5, Upper: 2}) {
		t.Errorf("详情区间不正确: got %v", back.Detail.Range)
	}
	if back.SequenceID() != "s1" {
		t.Errorf("序列不正确: got %s", back.SequenceID())
	}
}

func TestRenderLocalFaultRefused(t *testing.T) {
	_, err := RenderFault(fault.NewMaxRetransmitsExceeded("s", 1, 10))
	if !errors.Is(err, ErrLocalFault) {
		t.Errorf("本地故障应拒绝渲染: got %v", err)
	}
}

func TestParseForeignFault(t *testing.T) {
	env := &Envelope{
		Version:    sequence.Version11,
		Type:       TypeFault,
		SequenceID: "s",
		Fault:      &WireFault{Subcode: "other:Busy"},
	}
	if _, ok := ParseFault(env); ok {
		t.Error("非协议子码不应被识别")
	}
}
