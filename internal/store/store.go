// =============================================================================
// 文件: internal/store/store.go
// 描述: 序列存储 - 所有序列记录的唯一持有者 (内存 / 持久化可替换)
// =============================================================================
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrcgq/wsrm/internal/sequence"
)

// 错误定义
var (
	ErrNotFound = errors.New("记录不存在")
	ErrClosed   = errors.New("存储已关闭")
)

// Store 序列存储
// 所有读取返回副本，调用方修改后必须通过 Store* 写回
type Store interface {
	LoadRMS(ctx context.Context, id string) (*sequence.RMSBean, error)
	StoreRMS(ctx context.Context, b *sequence.RMSBean) error
	LoadRMD(ctx context.Context, id string) (*sequence.RMDBean, error)
	StoreRMD(ctx context.Context, b *sequence.RMDBean) error

	// Delete 删除序列的两端记录及其全部待确认消息
	Delete(ctx context.Context, id string) error

	ListByState(ctx context.Context, state sequence.State) ([]string, error)
	CountByState(ctx context.Context, dir sequence.Direction, state sequence.State) (int, error)

	StorePending(ctx context.Context, p *sequence.PendingMessage) error
	LoadPending(ctx context.Context, id string, n uint64) (*sequence.PendingMessage, error)
	DeletePending(ctx context.Context, id string, n uint64) error
	DeleteAllPending(ctx context.Context, id string) (int, error)
	ListPending(ctx context.Context, id string) ([]*sequence.PendingMessage, error)
	ListDuePending(ctx context.Context, now time.Time) ([]*sequence.PendingMessage, error)

	Close() error
}

// Config 存储配置
type Config struct {
	Driver    string // memory, sqlite
	Path      string
	CacheSize int
}

// Open 按驱动创建存储
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		s, err := OpenSQLite(cfg.Path, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("未知存储驱动: %s", cfg.Driver)
}

// IsNotFound 是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
