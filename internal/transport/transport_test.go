// =============================================================================
// 文件: internal/transport/transport_test.go
// 描述: 传输层测试 - 两个引擎经 WebSocket 互通
// =============================================================================
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/wsrm/internal/crypto"
	"github.com/mrcgq/wsrm/internal/engine"
	"github.com/mrcgq/wsrm/internal/store"
	"github.com/mrcgq/wsrm/internal/wire"
)

// inbox 记录接收端交付的负载
type inbox struct {
	mu       sync.Mutex
	payloads []string
	ch       chan struct{}
}

func newInbox() *inbox {
	return &inbox{ch: make(chan struct{}, 64)}
}

func (b *inbox) OnMessage(_ context.Context, _ string, _ uint64, payload []byte) error {
	b.mu.Lock()
	b.payloads = append(b.payloads, string(payload))
	b.mu.Unlock()
	b.ch <- struct{}{}
	return nil
}

func (b *inbox) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-b.ch:
		case <-deadline:
			t.Fatalf("等待交付超时: 已收到 %d/%d", i, n)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.payloads[len(b.payloads)-n:]...)
}

type testPeer struct {
	sender   *engine.Coordinator
	receiver *engine.Coordinator
	server   *Server
	client   *Client
	inbox    *inbox
}

func newCoordinator(t *testing.T, h engine.Handler) *engine.Coordinator {
	t.Helper()
	opts := engine.DefaultOptions()
	opts.AutoTerminate = false
	co, err := engine.NewCoordinator(engine.Config{
		Options: opts,
		Store:   store.NewMemoryStore(),
		Handler: h,
	})
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}
	return co
}

// newPeers 启动接收端服务并让发送端连接过去
func newPeers(t *testing.T, tlsServer bool, sealer, peerSealer *crypto.Sealer) *testPeer {
	t.Helper()
	p := &testPeer{inbox: newInbox()}

	p.receiver = newCoordinator(t, p.inbox)
	p.server = NewServer(ServerConfig{Path: "/rm"}, p.receiver, NewCodec(peerSealer), nil)
	p.receiver.SetTransmitter(p.server)

	var ts *httptest.Server
	if tlsServer {
		ts = httptest.NewTLSServer(p.server.Handler())
	} else {
		ts = httptest.NewServer(p.server.Handler())
	}

	p.sender = newCoordinator(t, engine.HandlerFunc(func(context.Context, string, uint64, []byte) error { return nil }))
	cfg := ClientConfig{URL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/rm"}
	if tlsServer {
		cfg.TLS = &UTLSConfig{Fingerprint: FingerprintChrome, InsecureSkipVerify: true}
	}
	client, err := NewClient(cfg, p.sender, NewCodec(sealer), nil)
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	p.client = client
	p.sender.SetTransmitter(client)

	t.Cleanup(func() {
		p.sender.Close()
		p.server.Stop()
		ts.Close()
		p.receiver.Close()
	})
	return p
}

func (p *testPeer) exchange(t *testing.T, payloads ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := p.sender.CreateSequence(ctx)
	if err != nil {
		t.Fatalf("创建序列失败: %v", err)
	}
	if err := p.sender.AwaitEstablished(ctx, id); err != nil {
		t.Fatalf("等待序列建立失败: %v", err)
	}
	for i, payload := range payloads {
		send := p.sender.Send
		if i == len(payloads)-1 {
			send = p.sender.SendLast
		}
		if _, err := send(ctx, id, []byte(payload)); err != nil {
			t.Fatalf("发送失败: %v", err)
		}
	}

	got := p.inbox.wait(t, len(payloads))
	if strings.Join(got, ",") != strings.Join(payloads, ",") {
		t.Errorf("交付内容不正确: got %v, want %v", got, payloads)
	}

	for {
		acked, err := p.sender.IsFullyAcked(ctx, id)
		if err != nil {
			t.Fatalf("查询确认状态失败: %v", err)
		}
		if acked {
			return id
		}
		select {
		case <-ctx.Done():
			t.Fatal("等待确认超时")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEndToEnd(t *testing.T) {
	p := newPeers(t, false, nil, nil)
	p.exchange(t, "alpha", "beta", "gamma")

	if p.server.ActiveConns() != 1 {
		t.Errorf("连接数不正确: got %d", p.server.ActiveConns())
	}
	if !p.client.Connected() {
		t.Error("客户端应保持连接")
	}
}

func TestEndToEndSealed(t *testing.T) {
	psk, _ := crypto.GeneratePSK()
	a, err := crypto.New(psk, 30, nil)
	if err != nil {
		t.Fatalf("创建加密器失败: %v", err)
	}
	b, _ := crypto.New(psk, 30, nil)

	p := newPeers(t, false, a, b)
	p.exchange(t, "secret-1", "secret-2")
}

func TestEndToEndUTLS(t *testing.T) {
	p := newPeers(t, true, nil, nil)
	p.exchange(t, "over-wss")

	if st := p.client.TLSStats(); st.SuccessConnections != 1 {
		t.Errorf("uTLS 统计不正确: %+v", st)
	}
}

func TestClientRedialsAfterDrop(t *testing.T) {
	p := newPeers(t, false, nil, nil)
	p.exchange(t, "first")

	p.client.mu.Lock()
	conn := p.client.conn
	p.client.mu.Unlock()
	p.client.drop(conn)

	if p.client.Connected() {
		t.Fatal("丢弃后不应持有连接")
	}

	// 新序列的创建请求触发重拨
	p.exchange(t, "second")
	if !p.client.Connected() {
		t.Error("重拨后应持有连接")
	}
}

func TestServerTransmitWithoutRoute(t *testing.T) {
	s := NewServer(ServerConfig{}, newCoordinator(t, newInbox()), NewCodec(nil), nil)
	err := s.Transmit(context.Background(), wire.NewControl(1, wire.TypeTerminateSequence, "nobody"))
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("未知序列应返回 ErrNoRoute: %v", err)
	}

	s.Stop()
	err = s.Transmit(context.Background(), wire.NewControl(1, wire.TypeTerminateSequence, "nobody"))
	if !errors.Is(err, ErrServerStopped) {
		t.Errorf("停止后应返回 ErrServerStopped: %v", err)
	}
}

func TestFakePage(t *testing.T) {
	s := NewServer(ServerConfig{Path: "/rm", Host: "rm.example.com"}, newCoordinator(t, newInbox()), NewCodec(nil), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Stop()

	for _, path := range []string{"/", "/rm"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("请求失败: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s 状态码不正确: %d", path, resp.StatusCode)
		}
		if resp.Header.Get("Server") != "nginx" || !strings.Contains(string(body), "Welcome") {
			t.Errorf("%s 应返回伪装页面", path)
		}
	}
}

func TestCodecForeignKey(t *testing.T) {
	pskA, _ := crypto.GeneratePSK()
	pskB, _ := crypto.GeneratePSK()
	a, _ := crypto.New(pskA, 30, nil)
	b, _ := crypto.New(pskB, 30, nil)

	frame, err := NewCodec(a).Marshal(wire.NewApplication(1, "seq", 1, []byte("x"), false))
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if _, err := NewCodec(b).Unmarshal(frame); !errors.Is(err, crypto.ErrNodeMismatch) {
		t.Errorf("不同密钥应解码失败: %v", err)
	}
	if _, err := NewCodec(nil).Unmarshal(frame); err == nil {
		t.Error("未加密解码器不应接受密文")
	}
}

func TestParseHelpers(t *testing.T) {
	fps := map[string]Fingerprint{
		"Chrome":  FingerprintChrome,
		"firefox": FingerprintFirefox,
		"go":      FingerprintGo,
		"unknown": FingerprintChrome,
	}
	for in, want := range fps {
		if got := ParseFingerprint(in); got != want {
			t.Errorf("ParseFingerprint(%q) = %q, want %q", in, got, want)
		}
	}
	if ParseTLSVersion("1.3") != tls.VersionTLS13 || ParseTLSVersion("") != tls.VersionTLS12 {
		t.Error("ParseTLSVersion 结果不正确")
	}
}
