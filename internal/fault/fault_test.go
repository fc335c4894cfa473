// =============================================================================
// 文件: internal/fault/fault_test.go
// 描述: 协议故障构造测试
// =============================================================================
package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mrcgq/wsrm/internal/sequence"
)

func TestGetFaultCodeByVersion(t *testing.T) {
	f10 := NewUnknownSequence(sequence.Version10, "X")
	if f10.Code != CodeClient {
		t.Errorf("1.0 故障码不正确: got %s, want %s", f10.Code, CodeClient)
	}
	f11 := NewUnknownSequence(sequence.Version11, "X")
	if f11.Code != CodeSender {
		t.Errorf("1.1 故障码不正确: got %s, want %s", f11.Code, CodeSender)
	}
	if f11.Detail.SequenceID != "X" {
		t.Errorf("详情应携带序列号: got %q", f11.Detail.SequenceID)
	}
}

func TestLocalFaultsHaveNoWireCode(t *testing.T) {
	for _, f := range []*Fault{
		NewSequenceCreationRefused("s", 1),
		NewMaxRetransmitsExceeded("s", 1, 10),
		NewInvalidStateTransition("s", sequence.StateCreating, sequence.StateClosing),
	} {
		if !f.Local() {
			t.Errorf("%s 应为本地故障", f.Subcode)
		}
		if f.Code != "" {
			t.Errorf("%s 不应有线路故障码: got %q", f.Subcode, f.Code)
		}
	}
	if NewSequenceClosed(sequence.Version11, "s").Local() {
		t.Error("SequenceClosed 不是本地故障")
	}
}

func TestInvalidAcknowledgementDetail(t *testing.T) {
	f := NewInvalidAcknowledgement(sequence.Version11, "s", sequence.Range{Lower: 5, Upper: 2})
	if f.Detail.Range == nil || f.Detail.Range.Lower != 5 || f.Detail.Range.Upper != 2 {
		t.Fatalf("详情应携带非法区间: got %+v", f.Detail.Range)
	}
}

func TestIsRMFault(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"wsrm:UnknownSequence", true},
		{"invalidacknowledgement", true},
		{"SequenceTerminated", true},
		{"CreateSequenceRefused", true},
		{"MaxRetransmitsExceeded", false},
		{"SomethingElse", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsRMFault(tt.in); got != tt.want {
			t.Errorf("IsRMFault(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFaultErrorChain(t *testing.T) {
	err := fmt.Errorf("处理失败: %w", NewSequenceClosed(sequence.Version11, "s1"))

	f, ok := As(err)
	if !ok || f.SequenceID() != "s1" {
		t.Fatalf("应能从错误链取出故障: %v", err)
	}
	if !HasSubcode(err, SequenceClosed) {
		t.Error("HasSubcode 应为 true")
	}
	if !errors.Is(err, &Fault{Subcode: SequenceClosed}) {
		t.Error("errors.Is 应按子码匹配")
	}
	if errors.Is(err, &Fault{Subcode: UnknownSequence}) {
		t.Error("不同子码不应匹配")
	}
}
