// =============================================================================
// 文件: internal/sequence/ranges.go
// 描述: 确认区间 - 有序、互不重叠、相邻即合并的区间集合
// =============================================================================
package sequence

import (
	"fmt"
	"sort"
	"strings"
)

// Range 确认区间 [Lower, Upper] (两端包含)
type Range struct {
	Lower uint64 `json:"lower"`
	Upper uint64 `json:"upper"`
}

// Valid 区间是否合法
func (r Range) Valid() bool {
	return r.Lower >= FirstMessageNumber && r.Lower <= r.Upper
}

// Contains 是否包含消息号
func (r Range) Contains(n uint64) bool {
	return n >= r.Lower && n <= r.Upper
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Lower, r.Upper)
}

// Ranges 按 Lower 升序排列的区间集合
// 不变量: 每个区间 Lower <= Upper，区间之间既不重叠也不相邻
type Ranges []Range

// Clone 拷贝
func (rs Ranges) Clone() Ranges {
	if rs == nil {
		return nil
	}
	c := make(Ranges, len(rs))
	copy(c, rs)
	return c
}

// Contains 是否包含消息号
func (rs Ranges) Contains(n uint64) bool {
	i := sort.Search(len(rs), func(i int) bool { return rs[i].Upper >= n })
	return i < len(rs) && rs[i].Lower <= n
}

// Covers 是否连续覆盖 [lo, hi]
func (rs Ranges) Covers(lo, hi uint64) bool {
	if lo > hi {
		return false
	}
	i := sort.Search(len(rs), func(i int) bool { return rs[i].Upper >= lo })
	return i < len(rs) && rs[i].Lower <= lo && rs[i].Upper >= hi
}

// Insert 插入单个消息号，返回是否为新增
func (rs *Ranges) Insert(n uint64) bool {
	if rs.Contains(n) {
		return false
	}
	rs.Merge(Range{Lower: n, Upper: n})
	return true
}

// Merge 合并区间
// 二分定位第一个可能相接的区间，向右吞并所有重叠或相邻的区间
func (rs *Ranges) Merge(r Range) {
	cur := *rs

	// 第一个满足 Upper+1 >= r.Lower 的区间
	i := sort.Search(len(cur), func(i int) bool { return cur[i].Upper+1 >= r.Lower })

	j := i
	for j < len(cur) && cur[j].Lower <= r.Upper+1 {
		if cur[j].Lower < r.Lower {
			r.Lower = cur[j].Lower
		}
		if cur[j].Upper > r.Upper {
			r.Upper = cur[j].Upper
		}
		j++
	}

	if i == j {
		// 无相接区间，直接插入
		cur = append(cur, Range{})
		copy(cur[i+1:], cur[i:])
		cur[i] = r
		*rs = cur
		return
	}

	cur[i] = r
	cur = append(cur[:i+1], cur[j:]...)
	*rs = cur
}

// MergeAll 依次合并多个区间
func (rs *Ranges) MergeAll(in []Range) {
	for _, r := range in {
		rs.Merge(r)
	}
}

// Highest 最大已确认消息号
func (rs Ranges) Highest() uint64 {
	if len(rs) == 0 {
		return 0
	}
	return rs[len(rs)-1].Upper
}

// Count 覆盖的消息总数
func (rs Ranges) Count() uint64 {
	var n uint64
	for _, r := range rs {
		n += r.Upper - r.Lower + 1
	}
	return n
}

func (rs Ranges) String() string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// FirstInvalid 返回第一个非法区间
func FirstInvalid(in []Range) (Range, bool) {
	for _, r := range in {
		if !r.Valid() {
			return r, true
		}
	}
	return Range{}, false
}
