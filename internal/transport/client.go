// =============================================================================
// 文件: internal/transport/client.go
// 描述: WebSocket 客户端 - 引擎出站通道，断线后按需重拨
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrcgq/wsrm/internal/wire"
)

var ErrClientClosed = errors.New("客户端已关闭")

// ClientConfig 客户端配置
type ClientConfig struct {
	URL              string // ws:// 或 wss://
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64

	// wss 时使用 uTLS 指纹拨号，nil 则走标准 TLS
	TLS *UTLSConfig
}

// Client WebSocket 客户端
type Client struct {
	cfg      ClientConfig
	receiver Receiver
	codec    *Codec
	logger   *zap.Logger
	dialer   *websocket.Dialer
	utls     *UTLSClient

	group singleflight.Group

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	closed int32
	wg     sync.WaitGroup
}

// NewClient 创建客户端，连接在首次发送时建立
func NewClient(cfg ClientConfig, receiver Receiver, codec *Codec, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("解析地址失败: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("不支持的协议: %s", u.Scheme)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:      cfg,
		receiver: receiver,
		codec:    codec,
		logger:   logger.Named("ws-client"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
	}
	if u.Scheme == "wss" && cfg.TLS != nil {
		if cfg.TLS.ServerName == "" {
			cfg.TLS.ServerName = u.Hostname()
		}
		c.utls = NewUTLSClient(cfg.TLS, logger)
		c.dialer.NetDialTLSContext = c.utls.DialTLSContext
	}
	return c, nil
}

// Transmit 实现 engine.Transmitter
func (c *Client) Transmit(ctx context.Context, env *wire.Envelope) error {
	frame, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := c.write(conn, frame); err != nil {
		c.drop(conn)
		return fmt.Errorf("发送失败: %w", err)
	}
	return nil
}

func (c *Client) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// connect 返回当前连接，没有则拨号；并发调用只拨一次
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, ErrClientClosed
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	v, err, _ := c.group.Do("dial", func() (interface{}, error) {
		c.mu.Lock()
		if c.conn != nil {
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		}
		c.mu.Unlock()

		conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("拨号失败 (HTTP %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("拨号失败: %w", err)
		}
		conn.SetReadLimit(c.cfg.ReadLimit)

		c.mu.Lock()
		if atomic.LoadInt32(&c.closed) == 1 {
			c.mu.Unlock()
			conn.Close()
			return nil, ErrClientClosed
		}
		c.conn = conn
		c.mu.Unlock()

		c.wg.Add(1)
		go c.readLoop(conn)

		c.logger.Info("已连接", zap.String("url", c.cfg.URL))
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*websocket.Conn), nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.drop(conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&c.closed) == 0 {
				c.logger.Debug("连接断开", zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		env, err := c.codec.Unmarshal(data)
		if err != nil {
			c.logger.Debug("丢弃无法解析的帧", zap.Error(err))
			continue
		}

		res, err := c.receiver.Receive(context.Background(), env)
		if err != nil {
			c.logger.Warn("处理报文失败",
				zap.String("sequence", env.SequenceID),
				zap.Stringer("type", env.Type),
				zap.Error(err))
			continue
		}
		if res == nil || res.Reply == nil {
			continue
		}
		frame, err := c.codec.Marshal(res.Reply)
		if err != nil {
			continue
		}
		if err := c.write(conn, frame); err != nil {
			return
		}
	}
}

// drop 丢弃失效连接，下次发送时重拨
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// Connected 是否持有连接
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// TLSStats uTLS 拨号统计，未启用时为零值
func (c *Client) TLSStats() UTLSStats {
	if c.utls == nil {
		return UTLSStats{}
	}
	return c.utls.GetStats()
}

// Close 关闭连接并等待读循环退出
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}
