// =============================================================================
// 文件: internal/engine/reorder.go
// 描述: 乱序重组 - 按序交付前暂存超前到达的入站消息
// =============================================================================
package engine

import (
	"sync"
	"time"
)

// bufferedMessage 暂存消息
type bufferedMessage struct {
	Number     uint64
	Payload    []byte
	Last       bool
	ReceivedAt time.Time
}

// recvWindow 单序列滑动窗口
type recvWindow struct {
	entries []*bufferedMessage
	count   int
}

// reorderBuffer 各入站序列的乱序缓冲
// 暂存的消息未记入确认区间，崩溃后由对端重传补齐
type reorderBuffer struct {
	windows map[string]*recvWindow
	size    int
	total   int

	mu sync.Mutex
}

func newReorderBuffer(size int) *reorderBuffer {
	return &reorderBuffer{
		windows: make(map[string]*recvWindow),
		size:    size,
	}
}

// Insert 暂存消息
// expected 为当前可交付的消息号，n 必须大于 expected
func (b *reorderBuffer) Insert(id string, expected, n uint64, payload []byte, last bool, now time.Time) (isDuplicate bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < expected {
		return true, nil
	}
	// 超出窗口
	if n >= expected+uint64(b.size) {
		return false, ErrReorderOverflow
	}

	w, ok := b.windows[id]
	if !ok {
		w = &recvWindow{entries: make([]*bufferedMessage, b.size)}
		b.windows[id] = w
	}

	idx := n % uint64(b.size)
	if e := w.entries[idx]; e != nil {
		if e.Number == n {
			return true, nil
		}
		// 窗口前移后残留的旧条目
		w.count--
		b.total--
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	w.entries[idx] = &bufferedMessage{
		Number:     n,
		Payload:    data,
		Last:       last,
		ReceivedAt: now,
	}
	w.count++
	b.total++
	return false, nil
}

// Take 取出指定消息号 (不存在返回 nil)
func (b *reorderBuffer) Take(id string, n uint64) *bufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[id]
	if !ok {
		return nil
	}
	idx := n % uint64(b.size)
	e := w.entries[idx]
	if e == nil || e.Number != n {
		return nil
	}
	w.entries[idx] = nil
	w.count--
	b.total--
	if w.count == 0 {
		delete(b.windows, id)
	}
	return e
}

// DropAbove 丢弃超过最后消息号的暂存
func (b *reorderBuffer) DropAbove(id string, last uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[id]
	if !ok {
		return 0
	}
	dropped := 0
	for i, e := range w.entries {
		if e != nil && e.Number > last {
			w.entries[i] = nil
			dropped++
		}
	}
	w.count -= dropped
	b.total -= dropped
	if w.count == 0 {
		delete(b.windows, id)
	}
	return dropped
}

// Drop 丢弃序列的全部暂存
func (b *reorderBuffer) Drop(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.windows[id]; ok {
		b.total -= w.count
		delete(b.windows, id)
	}
}

// Len 暂存总数
func (b *reorderBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
