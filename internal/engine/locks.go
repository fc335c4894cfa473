// =============================================================================
// 文件: internal/engine/locks.go
// 描述: 按序列加锁 - 同一序列的状态变更串行，不同序列互不阻塞
// =============================================================================
package engine

import "sync"

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockTable 序列锁表，无引用时回收条目
type lockTable struct {
	locks map[string]*keyLock
	mu    sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

// lock 获取序列锁，返回解锁函数
func (t *lockTable) lock(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &keyLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

// size 当前持有或等待中的序列数
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
