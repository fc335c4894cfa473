// =============================================================================
// 文件: internal/sequence/ranges_test.go
// 描述: 确认区间合并测试
// =============================================================================
package sequence

import (
	"math/rand"
	"testing"
)

func TestRangesMergeIntoEmpty(t *testing.T) {
	for _, r := range []Range{{1, 1}, {2, 9}, {100, 100000}} {
		var rs Ranges
		rs.Merge(r)
		if len(rs) != 1 || rs[0] != r {
			t.Errorf("空集合并 %v 结果不正确: got %v", r, rs)
		}
	}
}

func TestRangesAdjacentCoalesce(t *testing.T) {
	var rs Ranges
	rs.Merge(Range{1, 3})
	rs.Merge(Range{4, 6})

	if len(rs) != 1 || rs[0] != (Range{1, 6}) {
		t.Fatalf("相邻区间应合并: got %v, want {[1,6]}", rs)
	}
}

func TestRangesMerge(t *testing.T) {
	tests := []struct {
		name string
		in   []Range
		want Ranges
	}{
		{"不相邻", []Range{{1, 2}, {5, 6}}, Ranges{{1, 2}, {5, 6}}},
		{"逆序插入", []Range{{5, 6}, {1, 2}}, Ranges{{1, 2}, {5, 6}}},
		{"填补空洞", []Range{{1, 2}, {5, 6}, {3, 4}}, Ranges{{1, 6}}},
		{"重叠", []Range{{1, 5}, {3, 8}}, Ranges{{1, 8}}},
		{"吞并多个", []Range{{2, 2}, {4, 4}, {6, 6}, {1, 7}}, Ranges{{1, 7}}},
		{"被包含", []Range{{1, 10}, {3, 4}}, Ranges{{1, 10}}},
		{"中间插入", []Range{{1, 2}, {10, 12}, {5, 6}}, Ranges{{1, 2}, {5, 6}, {10, 12}}},
		{"左侧相邻", []Range{{5, 6}, {3, 4}}, Ranges{{3, 6}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rs Ranges
			rs.MergeAll(tt.in)
			if rs.String() != tt.want.String() {
				t.Errorf("got %v, want %v", rs, tt.want)
			}
		})
	}
}

func TestRangesInsert(t *testing.T) {
	var rs Ranges
	if !rs.Insert(3) {
		t.Fatal("首次插入应返回 true")
	}
	if rs.Insert(3) {
		t.Fatal("重复插入应返回 false")
	}
	rs.Insert(1)
	rs.Insert(2)
	if rs.String() != "{[1,3]}" {
		t.Errorf("插入结果不正确: got %v", rs)
	}
}

func TestRangesCovers(t *testing.T) {
	rs := Ranges{{1, 5}, {7, 9}}

	if !rs.Covers(1, 5) {
		t.Error("应覆盖 [1,5]")
	}
	if rs.Covers(1, 6) {
		t.Error("不应覆盖 [1,6]")
	}
	if rs.Covers(1, 9) {
		t.Error("存在空洞，不应覆盖 [1,9]")
	}
	if !rs.Covers(8, 9) {
		t.Error("应覆盖 [8,9]")
	}
	if rs.Contains(6) || !rs.Contains(7) || rs.Contains(10) {
		t.Error("Contains 结果不正确")
	}
}

// 随机插入后与朴素集合比对，检查不变量
func TestRangesInvariantRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var rs Ranges
	seen := make(map[uint64]bool)

	for i := 0; i < 2000; i++ {
		lo := uint64(rng.Intn(500) + 1)
		hi := lo + uint64(rng.Intn(5))
		rs.Merge(Range{lo, hi})
		for n := lo; n <= hi; n++ {
			seen[n] = true
		}

		for k := 0; k < len(rs); k++ {
			if rs[k].Lower > rs[k].Upper {
				t.Fatalf("区间非法: %v", rs[k])
			}
			if k > 0 && rs[k-1].Upper+1 >= rs[k].Lower {
				t.Fatalf("区间重叠或相邻未合并: %v %v", rs[k-1], rs[k])
			}
		}
	}

	for n := uint64(1); n <= 510; n++ {
		if rs.Contains(n) != seen[n] {
			t.Fatalf("消息号 %d 包含关系不一致", n)
		}
	}
	if rs.Count() != uint64(len(seen)) {
		t.Errorf("Count 不正确: got %d, want %d", rs.Count(), len(seen))
	}
}

func TestFirstInvalid(t *testing.T) {
	if _, bad := FirstInvalid([]Range{{1, 1}, {2, 4}}); bad {
		t.Error("合法区间不应报错")
	}
	r, bad := FirstInvalid([]Range{{1, 1}, {5, 2}, {0, 3}})
	if !bad || r != (Range{5, 2}) {
		t.Errorf("应返回 [5,2]: got %v %v", r, bad)
	}
	if _, bad := FirstInvalid([]Range{{0, 3}}); !bad {
		t.Error("Lower 为 0 应非法")
	}
}

func TestRMDBeanNextExpected(t *testing.T) {
	b := &RMDBean{}
	if b.NextExpected() != 1 {
		t.Errorf("空序列应期望 1: got %d", b.NextExpected())
	}
	b.AckedRanges = Ranges{{2, 4}}
	if b.NextExpected() != 1 {
		t.Errorf("缺少 1 时应期望 1: got %d", b.NextExpected())
	}
	b.AckedRanges = Ranges{{1, 4}, {6, 6}}
	if b.NextExpected() != 5 {
		t.Errorf("应期望 5: got %d", b.NextExpected())
	}
}
