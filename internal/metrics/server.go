// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 健康检查和 Metrics 服务 - Prometheus 标准格式
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer 指标服务器
type MetricsServer struct {
	listen      string
	metricsPath string
	healthPath  string
	enablePprof bool

	httpServer *http.Server
	registry   *prometheus.Registry
	logger     *zap.Logger

	healthy     int32
	healthCheck func() HealthStatus

	mu sync.RWMutex
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
	Stats      map[string]interface{}     `json:"stats,omitempty"`
	Faults     []FaultRecord              `json:"recent_faults,omitempty"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewMetricsServer 创建指标服务器
func NewMetricsServer(listen, metricsPath, healthPath string, enablePprof bool, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	// 创建自定义 registry，避免污染全局
	registry := prometheus.NewRegistry()

	// 注册 Go 运行时收集器
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &MetricsServer{
		listen:      listen,
		metricsPath: metricsPath,
		healthPath:  healthPath,
		enablePprof: enablePprof,
		healthy:     1,
		registry:    registry,
		logger:      logger.Named("metrics"),
	}
}

// RegisterCollector 注册 Prometheus 收集器
func (s *MetricsServer) RegisterCollector(c prometheus.Collector) error {
	return s.registry.Register(c)
}

// MustRegisterCollector 注册收集器（失败时 panic）
func (s *MetricsServer) MustRegisterCollector(c prometheus.Collector) {
	s.registry.MustRegister(c)
}

// SetHealthCheck 设置健康检查函数
func (s *MetricsServer) SetHealthCheck(fn func() HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCheck = fn
}

// Handler 构建路由
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc(s.healthPath, s.handleHealth)
	mux.HandleFunc(s.healthPath+"/live", s.handleLiveness)
	mux.HandleFunc(s.healthPath+"/ready", s.handleReadiness)

	// Prometheus metrics 端点
	mux.Handle(s.metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	// pprof 调试端点
	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Run 启动服务器并阻塞到 ctx 取消
func (s *MetricsServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("指标服务已启动", zap.String("listen", ln.Addr().String()))

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("服务器错误", zap.Error(err))
		return err
	}
}

// handleHealth 汇总引擎状态，非 healthy 时返回 503
func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "healthy", Timestamp: time.Now()}
	if fn := s.getHealthCheck(); fn != nil {
		status = fn()
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("写入健康状态失败", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

// handleLiveness 只看 SetHealthy 标记
func (s *MetricsServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.healthy) == 1 {
		s.writeProbe(w, r, http.StatusOK, "OK")
		return
	}
	s.writeProbe(w, r, http.StatusServiceUnavailable, "NOT OK")
}

// handleReadiness degraded 仍可接收序列，视为就绪
func (s *MetricsServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if fn := s.getHealthCheck(); fn != nil {
		switch fn().Status {
		case "healthy", "degraded":
			s.writeProbe(w, r, http.StatusOK, "READY")
			return
		}
	}
	s.writeProbe(w, r, http.StatusServiceUnavailable, "NOT READY")
}

func (s *MetricsServer) writeProbe(w http.ResponseWriter, r *http.Request, code int, body string) {
	w.WriteHeader(code)
	if _, err := io.WriteString(w, body); err != nil {
		s.logger.Debug("写入探针响应失败", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func (s *MetricsServer) getHealthCheck() func() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthCheck
}

// SetHealthy 设置存活标记
func (s *MetricsServer) SetHealthy(healthy bool) {
	var v int32
	if healthy {
		v = 1
	}
	atomic.StoreInt32(&s.healthy, v)
}

// Stop 优雅关闭，最多等待 5 秒
func (s *MetricsServer) Stop() error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("关闭指标服务失败", zap.Error(err))
		return err
	}
	s.logger.Info("指标服务已关闭")
	return nil
}

// GetRegistry 指标注册表，RMMetrics 注册在这里
func (s *MetricsServer) GetRegistry() *prometheus.Registry {
	return s.registry
}
