// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 服务端 - 接收对端报文交给引擎，并在原连接上回送应答
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mrcgq/wsrm/internal/wire"
)

var (
	ErrNoRoute       = errors.New("序列没有可用连接")
	ErrServerStopped = errors.New("服务端已停止")
)

// ServerConfig 服务端配置
type ServerConfig struct {
	Path        string        // WebSocket 路径
	Host        string        // 非空时校验 Host 头
	IdleTimeout time.Duration // 连接空闲超时
	ReadLimit   int64         // 单帧上限
}

func (c *ServerConfig) withDefaults() {
	if c.Path == "" {
		c.Path = "/rm"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4 << 20
	}
}

// Server WebSocket 服务端
// 同时作为出站通道: 按序列 ID 路由到最近携带该序列的连接
type Server struct {
	cfg      ServerConfig
	receiver Receiver
	codec    *Codec
	logger   *zap.Logger
	upgrader websocket.Upgrader

	sessions sync.Map // uint64 -> *wsSession
	routes   sync.Map // sequence id -> *wsSession

	nextID      uint64
	activeConns int64

	httpServer *http.Server
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

type wsSession struct {
	id         uint64
	conn       *websocket.Conn
	remote     string
	lastActive int64 // unix nano
	writeMu    sync.Mutex
}

func (s *wsSession) touch() {
	atomic.StoreInt64(&s.lastActive, time.Now().UnixNano())
}

func (s *wsSession) idle() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&s.lastActive)))
}

func (s *wsSession) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// NewServer 创建服务端
func NewServer(cfg ServerConfig, receiver Receiver, codec *Codec, logger *zap.Logger) *Server {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		receiver: receiver,
		codec:    codec,
		logger:   logger.Named("ws-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	mux.HandleFunc("/", s.handleFakePage)
	return mux
}

// Run 监听并服务，ctx 结束时停止
func (s *Server) Run(ctx context.Context, listen, certFile, keyFile string) error {
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.StartCleanup()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = s.httpServer.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("WebSocket 服务已启动",
		zap.String("listen", listen),
		zap.String("path", s.cfg.Path),
		zap.Bool("tls", certFile != ""))

	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case err := <-errCh:
		s.Stop()
		if err != nil {
			return fmt.Errorf("WebSocket 服务失败: %w", err)
		}
		return nil
	}
}

// StartCleanup 启动空闲连接清理
func (s *Server) StartCleanup() {
	s.wg.Add(1)
	go s.cleanupLoop()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Host != "" {
		host := r.Host
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
		if host != s.cfg.Host {
			s.handleFakePage(w, r)
			return
		}
	}

	select {
	case <-s.stopCh:
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("升级失败", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	sess := &wsSession{
		id:     atomic.AddUint64(&s.nextID, 1),
		conn:   conn,
		remote: r.RemoteAddr,
	}
	sess.touch()
	s.sessions.Store(sess.id, sess)
	atomic.AddInt64(&s.activeConns, 1)

	s.logger.Info("新连接", zap.String("remote", sess.remote), zap.Uint64("session", sess.id))

	defer func() {
		s.dropSession(sess)
		s.logger.Info("连接关闭", zap.String("remote", sess.remote), zap.Uint64("session", sess.id))
	}()

	s.readLoop(r.Context(), sess)
}

func (s *Server) readLoop(ctx context.Context, sess *wsSession) {
	for {
		sess.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("读取错误", zap.String("remote", sess.remote), zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		sess.touch()

		env, err := s.codec.Unmarshal(data)
		if err != nil {
			s.logger.Debug("丢弃无法解析的帧", zap.String("remote", sess.remote), zap.Error(err))
			continue
		}
		if env.SequenceID != "" {
			s.routes.Store(env.SequenceID, sess)
		}

		res, err := s.receiver.Receive(ctx, env)
		if err != nil {
			s.logger.Warn("处理报文失败",
				zap.String("sequence", env.SequenceID),
				zap.Stringer("type", env.Type),
				zap.Error(err))
			continue
		}
		if res == nil || res.Reply == nil {
			continue
		}
		if err := s.writeEnvelope(sess, res.Reply); err != nil {
			s.logger.Debug("回送应答失败", zap.String("remote", sess.remote), zap.Error(err))
			return
		}
	}
}

func (s *Server) writeEnvelope(sess *wsSession, env *wire.Envelope) error {
	frame, err := s.codec.Marshal(env)
	if err != nil {
		return err
	}
	return sess.write(frame)
}

// Transmit 实现 engine.Transmitter
func (s *Server) Transmit(ctx context.Context, env *wire.Envelope) error {
	select {
	case <-s.stopCh:
		return ErrServerStopped
	default:
	}
	v, ok := s.routes.Load(env.SequenceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, env.SequenceID)
	}
	return s.writeEnvelope(v.(*wsSession), env)
}

func (s *Server) dropSession(sess *wsSession) {
	if _, loaded := s.sessions.LoadAndDelete(sess.id); !loaded {
		return
	}
	atomic.AddInt64(&s.activeConns, -1)
	s.routes.Range(func(key, value interface{}) bool {
		if value.(*wsSession) == sess {
			s.routes.Delete(key)
		}
		return true
	})
	sess.conn.Close()
}

func (s *Server) handleFakePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Server", "nginx")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>Welcome</title></head>
<body><h1>Welcome</h1><p>It works.</p></body>
</html>`)
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanupIdle()
		}
	}
}

func (s *Server) cleanupIdle() {
	s.sessions.Range(func(key, value interface{}) bool {
		sess := value.(*wsSession)
		if sess.idle() > s.cfg.IdleTimeout*2 {
			s.logger.Debug("清理空闲连接", zap.String("remote", sess.remote))
			s.dropSession(sess)
		}
		return true
	})
}

// Stop 停止服务端
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.sessions.Range(func(key, value interface{}) bool {
			sess := value.(*wsSession)
			sess.writeMu.Lock()
			sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			sess.writeMu.Unlock()
			s.dropSession(sess)
			return true
		})

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.httpServer.Shutdown(ctx)
		}

		s.wg.Wait()
		s.logger.Info("WebSocket 服务已停止")
	})
}

// ActiveConns 当前连接数
func (s *Server) ActiveConns() int64 {
	return atomic.LoadInt64(&s.activeConns)
}
