// =============================================================================
// 文件: internal/engine/faults_test.go
// 描述: 故障管理测试
// =============================================================================
package engine

import (
	"context"
	"testing"
	"time"

	"github.com/mrcgq/wsrm/internal/fault"
	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/wire"
)

func TestValidateUnknownSequence(t *testing.T) {
	c, _ := newTestCore(testOptions())
	m := newFaultManager(c, nil)

	f, err := m.Validate(context.Background(), appMsg("X", 1, "a"))
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if f == nil || f.Subcode != fault.UnknownSequence || f.SequenceID() != "X" {
		t.Fatalf("应返回 UnknownSequence: %+v", f)
	}
	if f.Code != fault.CodeSender {
		t.Errorf("1.1 版本故障码不正确: got %s", f.Code)
	}
}

func TestValidateOrder(t *testing.T) {
	c, _ := newTestCore(testOptions())
	l := newLifecycle(c)
	m := newFaultManager(c, nil)
	ctx := context.Background()

	l.AcceptInbound(ctx, "A", sequence.Version11)
	b, _ := c.store.LoadRMD(ctx, "A")
	b.LastMessageNumber = 5
	c.store.StoreRMD(ctx, b)
	l.CloseInbound(ctx, "A")

	tests := []struct {
		name string
		env  *wire.Envelope
		want fault.Subcode
	}{
		{"越界优先于已关闭", appMsg("A", sequence.MaxMessageNumber+1, ""), fault.MessageNumberRollover},
		{"超过最后消息号优先于已关闭", appMsg("A", 6, ""), fault.LastMessageNumberExceeded},
		{"已关闭", appMsg("A", 2, ""), fault.SequenceClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := m.Validate(ctx, tt.env)
			if err != nil {
				t.Fatalf("校验失败: %v", err)
			}
			if f == nil || f.Subcode != tt.want {
				t.Errorf("故障不正确: got %+v, want %s", f, tt.want)
			}
		})
	}

	// 关闭后仍可终止
	term := wire.NewControl(sequence.Version11, wire.TypeTerminateSequence, "A")
	if f, _ := m.Validate(ctx, term); f != nil {
		t.Errorf("关闭后的终止请求不应产生故障: %+v", f)
	}

	l.TerminateInbound(ctx, "A")
	if f, _ := m.Validate(ctx, term); f == nil || f.Subcode != fault.SequenceTerminated {
		t.Errorf("已终止序列应返回 SequenceTerminated: %+v", f)
	}
}

func TestValidateAcknowledgement(t *testing.T) {
	c, _ := newTestCore(testOptions())
	l := newLifecycle(c)
	m := newFaultManager(c, nil)
	ctx := context.Background()

	id := newEstablished(t, l)
	l.NextOutboundNumber(ctx, id)

	ack := wire.NewAcknowledgement(sequence.Version11, id, []sequence.Range{{Lower: 5, Upper: 2}})
	f, _ := m.Validate(ctx, ack)
	if f == nil || f.Subcode != fault.InvalidAcknowledgement {
		t.Fatalf("应返回 InvalidAcknowledgement: %+v", f)
	}
	if f.Detail.Range == nil || f.Detail.Range.Lower != 5 {
		t.Errorf("故障应携带非法区间: %+v", f.Detail)
	}

	ok := wire.NewAcknowledgement(sequence.Version11, id, []sequence.Range{{Lower: 1, Upper: 1}})
	if f, _ := m.Validate(ctx, ok); f != nil {
		t.Errorf("合法确认不应产生故障: %+v", f)
	}
}

func TestRetiredSequenceReportsTerminated(t *testing.T) {
	c, mock := newTestCore(testOptions())
	l := newLifecycle(c)
	m := newFaultManager(c, nil)
	r := newReaper(c, l, m, newReorderBuffer(c.opts.ReorderWindow), nil)
	ctx := context.Background()

	l.AcceptInbound(ctx, "A", sequence.Version11)
	l.TerminateInbound(ctx, "A")

	mock.Add(c.opts.Retention)
	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("清理失败: %v", err)
	}
	if res.Purged != 1 {
		t.Fatalf("应清除 1 个序列: got %d", res.Purged)
	}
	if _, err := c.store.LoadRMD(ctx, "A"); err == nil {
		t.Error("清除后记录仍存在")
	}

	f, _ := m.Validate(ctx, appMsg("A", 1, ""))
	if f == nil || f.Subcode != fault.SequenceTerminated {
		t.Errorf("已清除序列应返回 SequenceTerminated: %+v", f)
	}
	if m.retired.Total() != 1 {
		t.Errorf("清除计数不正确: got %d", m.retired.Total())
	}
}

func TestRetiredSetRotation(t *testing.T) {
	now := testEpoch
	r := newRetiredSet(24*time.Hour, now)
	r.Mark("A")

	// 滚动一整圈后淘汰
	for i := 0; i < retiredSlices; i++ {
		now = now.Add(time.Hour)
		r.Rotate(now)
	}
	if r.Contains("A") {
		t.Error("超出时间窗口后应被淘汰")
	}

	r.Mark("B")
	r.Rotate(now.Add(time.Minute))
	if !r.Contains("B") {
		t.Error("时间片未满不应滚动")
	}
}

func TestProcessIncomingFault(t *testing.T) {
	c, _ := newTestCore(testOptions())
	var got *fault.Fault
	m := newFaultManager(c, func(f *fault.Fault) { got = f })

	env, err := wire.RenderFault(fault.NewSequenceClosed(sequence.Version10, "S"))
	if err != nil {
		t.Fatalf("渲染失败: %v", err)
	}
	f, ok := m.ProcessIncomingFault(env)
	if !ok || f.Subcode != fault.SequenceClosed {
		t.Fatalf("解析对端故障失败: %+v", f)
	}
	if got != f {
		t.Error("观察者未被通知")
	}

	// 非协议故障忽略
	env.Fault.Subcode = "soap:Server"
	got = nil
	if _, ok := m.ProcessIncomingFault(env); ok || got != nil {
		t.Error("非协议故障不应通知观察者")
	}
}
