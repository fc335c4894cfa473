// =============================================================================
// 文件: internal/engine/core.go
// 描述: 组件共享依赖 - 存储、序列锁表、时钟、日志、指标
// =============================================================================
package engine

import (
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrcgq/wsrm/internal/metrics"
	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/store"
)

// deps 组件依赖，所有组件共用同一个 core 以共享序列锁表
type deps struct {
	Store   store.Store
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.RMMetrics
}

type core struct {
	store   store.Store
	locks   *lockTable
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.RMMetrics
	opts    Options
}

func newCore(d deps, opts Options) *core {
	c := &core{
		store:   d.Store,
		locks:   newLockTable(),
		clock:   d.Clock,
		logger:  d.Logger,
		metrics: d.Metrics,
		opts:    opts.withDefaults(),
	}
	if c.store == nil {
		c.store = store.NewMemoryStore()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func newSequenceID() string {
	return sequence.IDPrefix + uuid.NewString()
}

func seqField(id string) zap.Field {
	return zap.String("sequence", id)
}

func numField(n uint64) zap.Field {
	return zap.Uint64("number", n)
}

// named 共享存储与锁表，仅替换日志器名称
func (c *core) named(name string) *core {
	cc := *c
	cc.logger = c.logger.Named(name)
	return &cc
}
