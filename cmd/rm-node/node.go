// =============================================================================
// 文件: cmd/rm-node/node.go
// 描述: 节点组装 - 按配置创建日志、存储、指标与协议引擎
// =============================================================================
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/wsrm/internal/config"
	"github.com/mrcgq/wsrm/internal/engine"
	"github.com/mrcgq/wsrm/internal/fault"
	"github.com/mrcgq/wsrm/internal/logging"
	"github.com/mrcgq/wsrm/internal/metrics"
	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/store"
	"github.com/mrcgq/wsrm/internal/transport"
)

// node 一个运行中的节点
type node struct {
	cfg     *config.Config
	logger  *zap.Logger
	co      *engine.Coordinator
	store   store.Store
	codec   *transport.Codec
	metrics *metrics.RMMetrics
	server  *metrics.MetricsServer
}

// newNode 组装节点，handler 为应用回调
func newNode(cfg *config.Config, handler engine.Handler) (*node, error) {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	sealer, err := cfg.Sealer()
	if err != nil {
		return nil, fmt.Errorf("加密模块错误: %w", err)
	}

	st, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}

	n := &node{
		cfg:    cfg,
		logger: logger,
		store:  st,
		codec:  transport.NewCodec(sealer),
	}

	if cfg.Metrics.Enabled {
		n.server = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
			logger,
		)
		n.metrics = metrics.NewRMMetrics(n.server.GetRegistry())
	}

	n.co, err = engine.NewCoordinator(engine.Config{
		Options: cfg.EngineOptions(),
		Store:   st,
		Handler: handler,
		Logger:  logger,
		Metrics: n.metrics,
		OnProtocolFault: func(f *fault.Fault) {
			logger.Warn("收到对端故障",
				zap.String("sequence", f.SequenceID()),
				zap.Stringer("subcode", f.Subcode))
		},
		OnFailure: n.onFailure,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	if n.server != nil {
		n.server.MustRegisterCollector(metrics.NewSequenceCollector(n.co))
		n.server.SetHealthCheck(n.healthStatus)
	}
	return n, nil
}

// onFailure 单条消息永久失败只影响该消息，其余待确认消息继续重传
// 配置 terminate_on_failure 后才终止整个序列
func (n *node) onFailure(p *sequence.PendingMessage, f *fault.Fault) {
	n.logger.Warn("消息永久失败",
		zap.String("sequence", p.SequenceID),
		zap.Uint64("number", p.MessageNumber),
		zap.Stringer("subcode", f.Subcode))
	if !n.cfg.Retransmit.TerminateOnFailure {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.co.Terminate(ctx, p.SequenceID); err != nil {
		n.logger.Warn("终止失败序列出错", zap.String("sequence", p.SequenceID), zap.Error(err))
	}
}

// healthStatus 汇总健康状态
func (n *node) healthStatus() metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		Components: make(map[string]metrics.ComponentHealth),
	}

	var active int
	for _, c := range n.co.GetSequenceCounts() {
		if c.State != sequence.StateTerminated.String() {
			active += c.Count
		}
	}
	status.Components["engine"] = metrics.ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("%d 个活跃序列", active),
	}

	if st := n.metrics.Stats(); st != nil {
		status.Stats = st.GetStats()
		status.Faults = st.GetFaultHistory(10)
		if failures, ok := status.Stats["permanent_failures"].(uint64); ok && failures > 0 {
			status.Status = "degraded"
			status.Components["retransmit"] = metrics.ComponentHealth{
				Status:  "degraded",
				Message: fmt.Sprintf("%d 条消息超过最大发送次数", failures),
			}
		}
	}
	return status
}
