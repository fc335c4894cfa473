// =============================================================================
// 文件: internal/store/memory.go
// 描述: 内存存储 - 以序列号为键的记录表，读写均做深拷贝
// =============================================================================
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mrcgq/wsrm/internal/sequence"
)

type pendingKey struct {
	id string
	n  uint64
}

// MemoryStore 内存存储
type MemoryStore struct {
	rms     map[string]*sequence.RMSBean
	rmd     map[string]*sequence.RMDBean
	pending map[pendingKey]*sequence.PendingMessage
	closed  bool

	mu sync.RWMutex
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rms:     make(map[string]*sequence.RMSBean),
		rmd:     make(map[string]*sequence.RMDBean),
		pending: make(map[pendingKey]*sequence.PendingMessage),
	}
}

func (s *MemoryStore) LoadRMS(_ context.Context, id string) (*sequence.RMSBean, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	b, ok := s.rms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) StoreRMS(_ context.Context, b *sequence.RMSBean) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.rms[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) LoadRMD(_ context.Context, id string) (*sequence.RMDBean, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	b, ok := s.rmd[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) StoreRMD(_ context.Context, b *sequence.RMDBean) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.rmd[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.rms, id)
	delete(s.rmd, id)
	for k := range s.pending {
		if k.id == id {
			delete(s.pending, k)
		}
	}
	return nil
}

func (s *MemoryStore) ListByState(_ context.Context, state sequence.State) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var ids []string
	for id, b := range s.rms {
		if b.State == state {
			ids = append(ids, id)
		}
	}
	for id, b := range s.rmd {
		if b.State == state {
			if _, dup := s.rms[id]; dup && s.rms[id].State == state {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) CountByState(_ context.Context, dir sequence.Direction, state sequence.State) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	count := 0
	if dir == sequence.Outbound {
		for _, b := range s.rms {
			if b.State == state {
				count++
			}
		}
	} else {
		for _, b := range s.rmd {
			if b.State == state {
				count++
			}
		}
	}
	return count, nil
}

func (s *MemoryStore) StorePending(_ context.Context, p *sequence.PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending[pendingKey{p.SequenceID, p.MessageNumber}] = p.Clone()
	return nil
}

func (s *MemoryStore) LoadPending(_ context.Context, id string, n uint64) (*sequence.PendingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.pending[pendingKey{id, n}]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) DeletePending(_ context.Context, id string, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.pending, pendingKey{id, n})
	return nil
}

func (s *MemoryStore) DeleteAllPending(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	removed := 0
	for k := range s.pending {
		if k.id == id {
			delete(s.pending, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ListPending(_ context.Context, id string) ([]*sequence.PendingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*sequence.PendingMessage
	for k, p := range s.pending {
		if k.id == id {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageNumber < out[j].MessageNumber })
	return out, nil
}

func (s *MemoryStore) ListDuePending(_ context.Context, now time.Time) ([]*sequence.PendingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*sequence.PendingMessage
	for _, p := range s.pending {
		if !p.NextRetransmitTime.After(now) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceID != out[j].SequenceID {
			return out[i].SequenceID < out[j].SequenceID
		}
		return out[i].MessageNumber < out[j].MessageNumber
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
