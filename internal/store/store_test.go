// =============================================================================
// 文件: internal/store/store_test.go
// 描述: 存储测试 - 同一套用例分别跑内存与 SQLite 后端
// =============================================================================
package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrcgq/wsrm/internal/sequence"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "rm.db"), 16)
	if err != nil {
		t.Fatalf("打开 SQLite 失败: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRMSRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, err := s.LoadRMS(ctx, "missing"); !IsNotFound(err) {
			t.Fatalf("不存在的记录应返回 ErrNotFound: got %v", err)
		}

		b := sequence.NewRMSBean("s1", sequence.Version11, time.Second, epoch)
		b.State = sequence.StateEstablished
		b.NextMessageNumber = 4
		b.AckedRanges = sequence.Ranges{{Lower: 1, Upper: 2}}
		if err := s.StoreRMS(ctx, b); err != nil {
			t.Fatalf("写入失败: %v", err)
		}

		got, err := s.LoadRMS(ctx, "s1")
		if err != nil {
			t.Fatalf("读取失败: %v", err)
		}
		if got.State != sequence.StateEstablished || got.NextMessageNumber != 4 {
			t.Errorf("读取内容不正确: %+v", got)
		}
		if got.RetransmitInterval != time.Second {
			t.Errorf("RetransmitInterval 不正确: got %v", got.RetransmitInterval)
		}
		if !got.CreatedAt.Equal(epoch) {
			t.Errorf("CreatedAt 不正确: got %v", got.CreatedAt)
		}
		if got.AckedRanges.String() != "{[1,2]}" {
			t.Errorf("AckedRanges 不正确: got %s", got.AckedRanges)
		}

		// 读出的副本被修改不影响存储
		got.AckedRanges.Insert(3)
		got.NextMessageNumber = 99
		again, _ := s.LoadRMS(ctx, "s1")
		if again.NextMessageNumber != 4 || again.AckedRanges.String() != "{[1,2]}" {
			t.Errorf("存储内容被外部修改: %+v", again)
		}

		// 覆盖写
		b.NextMessageNumber = 5
		b.LastMessageNumber = 4
		if err := s.StoreRMS(ctx, b); err != nil {
			t.Fatalf("覆盖写失败: %v", err)
		}
		again, _ = s.LoadRMS(ctx, "s1")
		if again.NextMessageNumber != 5 || again.LastMessageNumber != 4 {
			t.Errorf("覆盖写未生效: %+v", again)
		}
	})
}

func TestRMDRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		b := sequence.NewRMDBean("in1", sequence.Version10, epoch)
		b.AckedRanges = sequence.Ranges{{Lower: 1, Upper: 3}, {Lower: 5, Upper: 5}}
		b.HighestInMessageNumber = 5
		b.Closed = true
		if err := s.StoreRMD(ctx, b); err != nil {
			t.Fatalf("写入失败: %v", err)
		}

		got, err := s.LoadRMD(ctx, "in1")
		if err != nil {
			t.Fatalf("读取失败: %v", err)
		}
		if !got.Closed || got.Terminated {
			t.Errorf("标志位不正确: closed=%v terminated=%v", got.Closed, got.Terminated)
		}
		if got.ProtocolVersion != sequence.Version10 {
			t.Errorf("版本不正确: got %s", got.ProtocolVersion)
		}
		if got.NextExpected() != 4 {
			t.Errorf("NextExpected 不正确: got %d, want 4", got.NextExpected())
		}
		if _, err := s.LoadRMS(ctx, "in1"); !IsNotFound(err) {
			t.Errorf("接收端记录不应出现在发送端表中: %v", err)
		}
	})
}

func TestListAndCountByState(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, id := range []string{"b", "a"} {
			r := sequence.NewRMSBean(id, sequence.Version11, time.Second, epoch)
			r.State = sequence.StateEstablished
			s.StoreRMS(ctx, r)
		}
		s.StoreRMS(ctx, sequence.NewRMSBean("c", sequence.Version11, time.Second, epoch))
		s.StoreRMD(ctx, sequence.NewRMDBean("d", sequence.Version11, epoch))

		ids, err := s.ListByState(ctx, sequence.StateEstablished)
		if err != nil {
			t.Fatalf("ListByState 失败: %v", err)
		}
		want := []string{"a", "b", "d"}
		if len(ids) != len(want) {
			t.Fatalf("ListByState 结果不正确: got %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Errorf("ListByState[%d] = %s, want %s", i, ids[i], want[i])
			}
		}

		n, _ := s.CountByState(ctx, sequence.Outbound, sequence.StateEstablished)
		if n != 2 {
			t.Errorf("发送端 ESTABLISHED 数量不正确: got %d, want 2", n)
		}
		n, _ = s.CountByState(ctx, sequence.Outbound, sequence.StateCreating)
		if n != 1 {
			t.Errorf("发送端 CREATING 数量不正确: got %d, want 1", n)
		}
		n, _ = s.CountByState(ctx, sequence.Inbound, sequence.StateEstablished)
		if n != 1 {
			t.Errorf("接收端 ESTABLISHED 数量不正确: got %d, want 1", n)
		}
	})
}

func TestPending(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for n := uint64(3); n >= 1; n-- {
			p := &sequence.PendingMessage{
				SequenceID:         "s1",
				MessageNumber:      n,
				Payload:            []byte{byte(n)},
				SendCount:          1,
				NextRetransmitTime: epoch.Add(time.Duration(n) * time.Second),
				FirstSentAt:        epoch,
			}
			if err := s.StorePending(ctx, p); err != nil {
				t.Fatalf("写入待确认消息失败: %v", err)
			}
		}
		s.StorePending(ctx, &sequence.PendingMessage{
			SequenceID: "s0", MessageNumber: 1, SendCount: 1,
			NextRetransmitTime: epoch, FirstSentAt: epoch,
		})

		list, err := s.ListPending(ctx, "s1")
		if err != nil {
			t.Fatalf("ListPending 失败: %v", err)
		}
		if len(list) != 3 {
			t.Fatalf("待确认数量不正确: got %d, want 3", len(list))
		}
		for i, p := range list {
			if p.MessageNumber != uint64(i+1) {
				t.Errorf("ListPending 应按消息号升序: [%d] = %d", i, p.MessageNumber)
			}
			if len(p.Payload) != 1 || p.Payload[0] != byte(i+1) {
				t.Errorf("负载不正确: %v", p.Payload)
			}
		}

		due, _ := s.ListDuePending(ctx, epoch.Add(2*time.Second))
		if len(due) != 3 {
			t.Fatalf("到期数量不正确: got %d, want 3", len(due))
		}
		if due[0].SequenceID != "s0" || due[1].MessageNumber != 1 || due[2].MessageNumber != 2 {
			t.Errorf("到期列表排序不正确: %s/%d %s/%d %s/%d",
				due[0].SequenceID, due[0].MessageNumber,
				due[1].SequenceID, due[1].MessageNumber,
				due[2].SequenceID, due[2].MessageNumber)
		}

		p, _ := s.LoadPending(ctx, "s1", 2)
		p.SendCount = 2
		s.StorePending(ctx, p)
		p, _ = s.LoadPending(ctx, "s1", 2)
		if p.SendCount != 2 {
			t.Errorf("SendCount 未更新: got %d", p.SendCount)
		}

		if err := s.DeletePending(ctx, "s1", 2); err != nil {
			t.Fatalf("DeletePending 失败: %v", err)
		}
		if err := s.DeletePending(ctx, "s1", 2); err != nil {
			t.Errorf("重复删除应幂等: %v", err)
		}
		if _, err := s.LoadPending(ctx, "s1", 2); !IsNotFound(err) {
			t.Errorf("已删除消息应不存在: %v", err)
		}

		removed, _ := s.DeleteAllPending(ctx, "s1")
		if removed != 2 {
			t.Errorf("DeleteAllPending 数量不正确: got %d, want 2", removed)
		}
		if list, _ := s.ListPending(ctx, "s0"); len(list) != 1 {
			t.Errorf("其他序列的待确认消息不应被删除")
		}
	})
}

func TestDeleteRemovesEverything(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		s.StoreRMS(ctx, sequence.NewRMSBean("s1", sequence.Version11, time.Second, epoch))
		s.StorePending(ctx, &sequence.PendingMessage{SequenceID: "s1", MessageNumber: 1, SendCount: 1})

		if err := s.Delete(ctx, "s1"); err != nil {
			t.Fatalf("Delete 失败: %v", err)
		}
		if _, err := s.LoadRMS(ctx, "s1"); !IsNotFound(err) {
			t.Errorf("记录应已删除: %v", err)
		}
		if list, _ := s.ListPending(ctx, "s1"); len(list) != 0 {
			t.Errorf("待确认消息应已删除: got %d", len(list))
		}
	})
}

func TestClosedStore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		if err := s.Close(); err != nil {
			t.Fatalf("Close 失败: %v", err)
		}
		_, err := s.LoadRMS(context.Background(), "s1")
		if !errors.Is(err, ErrClosed) {
			t.Errorf("关闭后应返回 ErrClosed: got %v", err)
		}
	})
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rm.db")
	ctx := context.Background()

	s, err := OpenSQLite(path, 0)
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}
	b := sequence.NewRMDBean("in1", sequence.Version11, epoch)
	b.AckedRanges = sequence.Ranges{{Lower: 1, Upper: 7}}
	s.StoreRMD(ctx, b)
	s.Close()

	s, err = OpenSQLite(path, 0)
	if err != nil {
		t.Fatalf("重新打开失败: %v", err)
	}
	defer s.Close()

	got, err := s.LoadRMD(ctx, "in1")
	if err != nil {
		t.Fatalf("重启后读取失败: %v", err)
	}
	if !got.AckedRanges.Covers(1, 7) {
		t.Errorf("重启后确认区间丢失: %s", got.AckedRanges)
	}
}

func TestOpenDriver(t *testing.T) {
	s, err := Open(Config{})
	if err != nil {
		t.Fatalf("默认驱动应为内存: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("默认驱动类型不正确: %T", s)
	}
	if _, err := Open(Config{Driver: "bogus"}); err == nil {
		t.Error("未知驱动应报错")
	}
}
