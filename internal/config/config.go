// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 加载、默认值、启动前校验，并换算为各组件参数
// =============================================================================
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/wsrm/internal/crypto"
	"github.com/mrcgq/wsrm/internal/engine"
	"github.com/mrcgq/wsrm/internal/logging"
	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/store"
	"github.com/mrcgq/wsrm/internal/transport"
)

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`

	Engine     EngineConfig     `yaml:"engine"`
	Retransmit RetransmitConfig `yaml:"retransmit"`
	Store      StoreConfig      `yaml:"store"`
	Transport  TransportConfig  `yaml:"transport"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// EngineConfig 协议引擎配置
type EngineConfig struct {
	ProtocolVersion string `yaml:"protocol_version"` // 1.0 | 1.1

	InOrder       bool `yaml:"in_order"`
	ReorderWindow int  `yaml:"reorder_window"`
	AutoTerminate bool `yaml:"auto_terminate"`

	// 0 表示不限制
	MaxOutboundSequences int `yaml:"max_outbound_sequences"`
	MaxInboundSequences  int `yaml:"max_inbound_sequences"`

	InactivityTimeoutSec int `yaml:"inactivity_timeout_sec"`
	RetentionSec         int `yaml:"retention_sec"`
	ReapIntervalSec      int `yaml:"reap_interval_sec"`
	RetiredHorizonSec    int `yaml:"retired_horizon_sec"`
}

// RetransmitConfig 重传配置
type RetransmitConfig struct {
	IntervalMs         int  `yaml:"interval_ms"`
	MaxIntervalMs      int  `yaml:"max_interval_ms"`
	MaxSendCount       int  `yaml:"max_send_count"`
	ExponentialBackoff bool `yaml:"exponential_backoff"`
	TickMs             int  `yaml:"tick_ms"`

	// 消息永久失败时终止整个序列，默认只记录
	TerminateOnFailure bool `yaml:"terminate_on_failure"`
}

// StoreConfig 存储配置
type StoreConfig struct {
	Driver    string `yaml:"driver"` // memory | sqlite
	Path      string `yaml:"path"`
	CacheSize int    `yaml:"cache_size"`
}

// TransportConfig WebSocket 传输配置
type TransportConfig struct {
	Listen   string `yaml:"listen"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// 对端地址 (send 命令使用)
	URL                string `yaml:"url"`
	Fingerprint        string `yaml:"fingerprint"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	TLSMinVersion      string `yaml:"tls_min_version"`

	IdleTimeoutSec int `yaml:"idle_timeout_sec"`

	// 帧加密，psk 为空时不加密
	PSK        string `yaml:"psk"`
	TimeWindow int    `yaml:"time_window"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.syncRelatedConfig()

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",

		Engine: EngineConfig{
			ProtocolVersion:      "1.1",
			InOrder:              true,
			ReorderWindow:        engine.DefaultReorderWindow,
			AutoTerminate:        true,
			InactivityTimeoutSec: int(engine.DefaultInactivityTimeout / time.Second),
			RetentionSec:         int(engine.DefaultRetention / time.Second),
			ReapIntervalSec:      int(engine.DefaultReapInterval / time.Second),
			RetiredHorizonSec:    int(engine.DefaultRetiredHorizon / time.Second),
		},

		Retransmit: RetransmitConfig{
			IntervalMs:         int(engine.DefaultRetransmitInterval / time.Millisecond),
			MaxIntervalMs:      int(engine.DefaultMaxInterval / time.Millisecond),
			MaxSendCount:       engine.DefaultMaxSendCount,
			ExponentialBackoff: true,
			TickMs:             int(engine.DefaultTick / time.Millisecond),
		},

		Store: StoreConfig{
			Driver:    "memory",
			Path:      "wsrm.db",
			CacheSize: 1024,
		},

		Transport: TransportConfig{
			Listen:         ":8443",
			Path:           "/rm",
			Fingerprint:    "chrome",
			TLSMinVersion:  "1.2",
			IdleTimeoutSec: 300,
			TimeWindow:     30,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := c.validateEngineConfig(); err != nil {
		return err
	}
	if err := c.validateRetransmitConfig(); err != nil {
		return err
	}
	if err := c.validateStoreConfig(); err != nil {
		return err
	}
	if err := c.validateTransportConfig(); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil || metricsPort < 1 || metricsPort > 65535 {
			return fmt.Errorf("metrics.listen 端口无效: %s", c.Metrics.Listen)
		}
		if listenPort, err := parsePort(c.Transport.Listen); err == nil && listenPort == metricsPort {
			return fmt.Errorf("端口冲突: metrics.listen (%d) 与 transport.listen 相同", metricsPort)
		}
	}
	return nil
}

// validateEngineConfig 验证引擎配置
func (c *Config) validateEngineConfig() error {
	e := &c.Engine
	if _, ok := sequence.ParseProtocolVersion(e.ProtocolVersion); !ok {
		return fmt.Errorf("engine.protocol_version 无效: %s (可选 1.0, 1.1)", e.ProtocolVersion)
	}
	if e.InOrder && (e.ReorderWindow < 1 || e.ReorderWindow > 65536) {
		return fmt.Errorf("engine.reorder_window 需在 1-65536 之间")
	}
	if e.MaxOutboundSequences < 0 || e.MaxInboundSequences < 0 {
		return fmt.Errorf("engine.max_*_sequences 不能为负数")
	}
	if e.InactivityTimeoutSec < 1 {
		return fmt.Errorf("engine.inactivity_timeout_sec 必须为正数")
	}
	if e.RetentionSec < 0 || e.ReapIntervalSec < 1 || e.RetiredHorizonSec < 1 {
		return fmt.Errorf("engine 清理参数无效")
	}
	return nil
}

// validateRetransmitConfig 验证重传配置
func (c *Config) validateRetransmitConfig() error {
	r := &c.Retransmit
	if r.IntervalMs < 10 {
		return fmt.Errorf("retransmit.interval_ms 不能小于 10")
	}
	if r.MaxIntervalMs < r.IntervalMs {
		return fmt.Errorf("retransmit.max_interval_ms (%d) 不能小于 interval_ms (%d)", r.MaxIntervalMs, r.IntervalMs)
	}
	if r.MaxSendCount < 1 {
		return fmt.Errorf("retransmit.max_send_count 至少为 1")
	}
	if r.TickMs < 10 || r.TickMs > r.IntervalMs {
		return fmt.Errorf("retransmit.tick_ms 需在 10 与 interval_ms 之间")
	}
	return nil
}

// validateStoreConfig 验证存储配置
func (c *Config) validateStoreConfig() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("sqlite 存储需要配置 store.path")
		}
		if c.Store.CacheSize < 0 {
			return fmt.Errorf("store.cache_size 不能为负数")
		}
	default:
		return fmt.Errorf("无效的存储驱动: %s (可选: memory, sqlite)", c.Store.Driver)
	}
	return nil
}

// validateTransportConfig 验证传输配置
func (c *Config) validateTransportConfig() error {
	t := &c.Transport

	port, err := parsePort(t.Listen)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("transport.listen 端口无效: %s", t.Listen)
	}

	if t.Path == "" {
		t.Path = "/rm"
	}
	if !strings.HasPrefix(t.Path, "/") {
		return fmt.Errorf("transport.path 必须以 / 开头")
	}

	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("TLS 需要同时配置 cert_file 和 key_file")
	}

	if t.URL != "" {
		u, err := url.Parse(t.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("transport.url 必须是 ws:// 或 wss:// 地址: %s", t.URL)
		}
	}

	if t.PSK != "" {
		if t.TimeWindow < 1 || t.TimeWindow > 300 {
			return fmt.Errorf("transport.time_window 需在 1-300 之间")
		}
		if _, err := crypto.New(t.PSK, t.TimeWindow, nil); err != nil {
			return fmt.Errorf("transport.psk 无效: %w", err)
		}
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	if c.Transport.IdleTimeoutSec <= 0 {
		c.Transport.IdleTimeoutSec = 300
	}
	if c.Transport.Fingerprint == "" {
		c.Transport.Fingerprint = "chrome"
	}
	// 未显式指定 SNI 时取 URL 主机名
	if c.Transport.ServerName == "" && c.Transport.URL != "" {
		if u, err := url.Parse(c.Transport.URL); err == nil {
			c.Transport.ServerName = u.Hostname()
		}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// =============================================================================
// 组件参数换算
// =============================================================================

// EngineOptions 换算引擎参数
func (c *Config) EngineOptions() engine.Options {
	version, _ := sequence.ParseProtocolVersion(c.Engine.ProtocolVersion)
	return engine.Options{
		ProtocolVersion:      version,
		MaxOutboundSequences: c.Engine.MaxOutboundSequences,
		MaxInboundSequences:  c.Engine.MaxInboundSequences,
		InOrder:              c.Engine.InOrder,
		ReorderWindow:        c.Engine.ReorderWindow,
		AutoTerminate:        c.Engine.AutoTerminate,
		InactivityTimeout:    time.Duration(c.Engine.InactivityTimeoutSec) * time.Second,
		Retention:            time.Duration(c.Engine.RetentionSec) * time.Second,
		ReapInterval:         time.Duration(c.Engine.ReapIntervalSec) * time.Second,
		RetiredHorizon:       time.Duration(c.Engine.RetiredHorizonSec) * time.Second,
		Retransmit: engine.RetransmitOptions{
			Interval:           time.Duration(c.Retransmit.IntervalMs) * time.Millisecond,
			MaxInterval:        time.Duration(c.Retransmit.MaxIntervalMs) * time.Millisecond,
			MaxSendCount:       c.Retransmit.MaxSendCount,
			ExponentialBackoff: c.Retransmit.ExponentialBackoff,
			Tick:               time.Duration(c.Retransmit.TickMs) * time.Millisecond,
		},
	}
}

// StoreOptions 换算存储参数
func (c *Config) StoreOptions() store.Config {
	return store.Config{
		Driver:    c.Store.Driver,
		Path:      c.Store.Path,
		CacheSize: c.Store.CacheSize,
	}
}

// ServerOptions 换算服务端参数
func (c *Config) ServerOptions() transport.ServerConfig {
	return transport.ServerConfig{
		Path:        c.Transport.Path,
		Host:        c.Transport.Host,
		IdleTimeout: time.Duration(c.Transport.IdleTimeoutSec) * time.Second,
	}
}

// ClientOptions 换算客户端参数
func (c *Config) ClientOptions() transport.ClientConfig {
	tlsCfg := transport.DefaultUTLSConfig()
	tlsCfg.ServerName = c.Transport.ServerName
	tlsCfg.Fingerprint = transport.ParseFingerprint(c.Transport.Fingerprint)
	tlsCfg.InsecureSkipVerify = c.Transport.InsecureSkipVerify
	tlsCfg.MinVersion = transport.ParseTLSVersion(c.Transport.TLSMinVersion)
	return transport.ClientConfig{
		URL: c.Transport.URL,
		TLS: tlsCfg,
	}
}

// Sealer 按配置创建帧加密器，未配置 PSK 时返回 nil
func (c *Config) Sealer() (*crypto.Sealer, error) {
	if c.Transport.PSK == "" {
		return nil, nil
	}
	return crypto.New(c.Transport.PSK, c.Transport.TimeWindow, nil)
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# rm-node 配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: debug, info, warn, error

# 协议引擎
engine:
  protocol_version: "1.1"           # 1.0 (2005/02) 或 1.1 (2007/02)
  in_order: true                    # 按序交付，乱序消息进入缓冲区
  reorder_window: 256               # 每个序列的乱序缓冲上限
  auto_terminate: true              # 最后消息全部确认后自动终止
  max_outbound_sequences: 0         # 0 表示不限制
  max_inbound_sequences: 0
  inactivity_timeout_sec: 600       # 空闲超时后终止序列
  retention_sec: 600                # 已终止序列保留时间
  reap_interval_sec: 30             # 清理周期
  retired_horizon_sec: 86400        # 已清除序列 ID 的记忆时长

# 重传
retransmit:
  interval_ms: 3000                 # 首次重传间隔
  max_interval_ms: 60000            # 退避上限
  max_send_count: 10                # 含首发在内的最大发送次数
  exponential_backoff: true
  tick_ms: 500                      # 扫描周期
  terminate_on_failure: false       # 消息永久失败时终止整个序列

# 序列存储
store:
  driver: "memory"                  # memory 或 sqlite
  path: "wsrm.db"                   # sqlite 文件路径
  cache_size: 1024                  # sqlite 记录缓存条数

# WebSocket 传输
transport:
  listen: ":8443"
  path: "/rm"
  host: ""                          # 非空时校验 Host 头
  cert_file: ""                     # 同时配置 cert_file/key_file 启用 TLS
  key_file: ""
  url: ""                           # 对端地址，如 wss://peer.example.com/rm
  fingerprint: "chrome"             # chrome, firefox, safari, ios, edge, random, go
  server_name: ""
  insecure_skip_verify: false
  tls_min_version: "1.2"
  idle_timeout_sec: 300
  psk: ""                           # 帧加密密钥 (使用 gen-psk 生成)，为空不加密
  time_window: 30

# 监控
metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
