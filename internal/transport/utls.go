// =============================================================================
// 文件: internal/transport/utls.go
// 描述: uTLS 客户端封装 - 以浏览器 TLS 指纹拨号 wss:// 对端
// 依赖: github.com/refraction-networking/utls
// =============================================================================
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"
)

// Fingerprint 浏览器指纹类型
type Fingerprint string

const (
	FingerprintChrome  Fingerprint = "chrome"
	FingerprintFirefox Fingerprint = "firefox"
	FingerprintSafari  Fingerprint = "safari"
	FingerprintIOS     Fingerprint = "ios"
	FingerprintEdge    Fingerprint = "edge"
	FingerprintRandom  Fingerprint = "random"
	FingerprintGo      Fingerprint = "go" // 不伪装，使用 Go 默认 ClientHello
)

// UTLSConfig uTLS 客户端配置
type UTLSConfig struct {
	ServerName  string      // SNI 域名，空则取拨号地址
	Fingerprint Fingerprint // 浏览器指纹

	InsecureSkipVerify bool
	RootCAs            *x509.CertPool

	MinVersion uint16
	MaxVersion uint16

	HandshakeTimeout time.Duration
}

// DefaultUTLSConfig 默认配置
func DefaultUTLSConfig() *UTLSConfig {
	return &UTLSConfig{
		Fingerprint:      FingerprintChrome,
		MinVersion:       utls.VersionTLS12,
		MaxVersion:       utls.VersionTLS13,
		HandshakeTimeout: 10 * time.Second,
	}
}

// UTLSClient uTLS 客户端
type UTLSClient struct {
	config *UTLSConfig
	logger *zap.Logger

	stats UTLSStats
}

// UTLSStats 统计信息
type UTLSStats struct {
	TotalConnections   uint64
	SuccessConnections uint64
	FailedConnections  uint64
}

// NewUTLSClient 创建 uTLS 客户端
func NewUTLSClient(config *UTLSConfig, logger *zap.Logger) *UTLSClient {
	if config == nil {
		config = DefaultUTLSConfig()
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UTLSClient{config: config, logger: logger.Named("utls")}
}

// getClientHelloID 获取 uTLS ClientHelloID
func (c *UTLSClient) getClientHelloID() utls.ClientHelloID {
	switch c.config.Fingerprint {
	case FingerprintChrome:
		return utls.HelloChrome_Auto
	case FingerprintFirefox:
		return utls.HelloFirefox_Auto
	case FingerprintSafari:
		return utls.HelloSafari_Auto
	case FingerprintIOS:
		return utls.HelloIOS_Auto
	case FingerprintEdge:
		return utls.HelloEdge_Auto
	case FingerprintGo:
		return utls.HelloGolang
	case FingerprintRandom:
		options := []utls.ClientHelloID{
			utls.HelloChrome_Auto,
			utls.HelloFirefox_Auto,
			utls.HelloSafari_Auto,
			utls.HelloEdge_Auto,
		}
		return options[rand.Intn(len(options))]
	}
	return utls.HelloChrome_Auto
}

// DialTLSContext 建立 TLS 连接，签名与 websocket.Dialer.NetDialTLSContext 一致
func (c *UTLSClient) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	atomic.AddUint64(&c.stats.TotalConnections, 1)

	dialer := &net.Dialer{Timeout: c.config.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		atomic.AddUint64(&c.stats.FailedConnections, 1)
		return nil, fmt.Errorf("连接失败: %w", err)
	}

	serverName := c.config.ServerName
	if serverName == "" {
		host, _, _ := net.SplitHostPort(addr)
		serverName = host
	}

	tlsConfig := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: c.config.InsecureSkipVerify,
		RootCAs:            c.config.RootCAs,
		MinVersion:         c.config.MinVersion,
		MaxVersion:         c.config.MaxVersion,
	}

	uconn := utls.UClient(conn, tlsConfig, c.getClientHelloID())

	hctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()
	if err := c.websocketHandshake(hctx, uconn); err != nil {
		conn.Close()
		atomic.AddUint64(&c.stats.FailedConnections, 1)
		return nil, fmt.Errorf("TLS 握手失败: %w", err)
	}

	atomic.AddUint64(&c.stats.SuccessConnections, 1)
	state := uconn.ConnectionState()
	c.logger.Debug("TLS 连接建立",
		zap.String("sni", serverName),
		zap.String("fingerprint", string(c.config.Fingerprint)),
		zap.String("alpn", state.NegotiatedProtocol),
		zap.Uint16("version", state.Version))
	return uconn, nil
}

// websocketHandshake 浏览器指纹默认协商 h2，WebSocket 升级需要 http/1.1
func (c *UTLSClient) websocketHandshake(ctx context.Context, uconn *utls.UConn) error {
	if err := uconn.BuildHandshakeState(); err != nil {
		return err
	}
	found := false
	for _, ext := range uconn.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			found = true
			break
		}
	}
	if !found {
		uconn.Extensions = append(uconn.Extensions, &utls.ALPNExtension{AlpnProtocols: []string{"http/1.1"}})
	}
	if err := uconn.BuildHandshakeState(); err != nil {
		return err
	}
	return uconn.HandshakeContext(ctx)
}

// GetStats 返回统计信息
func (c *UTLSClient) GetStats() UTLSStats {
	return UTLSStats{
		TotalConnections:   atomic.LoadUint64(&c.stats.TotalConnections),
		SuccessConnections: atomic.LoadUint64(&c.stats.SuccessConnections),
		FailedConnections:  atomic.LoadUint64(&c.stats.FailedConnections),
	}
}

// ParseTLSVersion 解析 TLS 版本字符串
func ParseTLSVersion(version string) uint16 {
	switch strings.ToLower(version) {
	case "tls12", "1.2":
		return tls.VersionTLS12
	case "tls13", "1.3":
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// ParseFingerprint 解析指纹字符串
func ParseFingerprint(fp string) Fingerprint {
	switch f := Fingerprint(strings.ToLower(fp)); f {
	case FingerprintChrome, FingerprintFirefox, FingerprintSafari, FingerprintIOS,
		FingerprintEdge, FingerprintRandom, FingerprintGo:
		return f
	}
	return FingerprintChrome
}
