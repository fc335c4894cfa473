// =============================================================================
// 文件: internal/engine/helpers_test.go
// 描述: 引擎测试辅助 - 模拟时钟、记录发送的通道、环回对端
// =============================================================================
package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/store"
	"github.com/mrcgq/wsrm/internal/wire"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(testEpoch)
	return mock
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Retransmit.Interval = time.Second
	opts.Retransmit.MaxInterval = 8 * time.Second
	return opts
}

func newTestCore(opts Options) (*core, *clock.Mock) {
	mock := newMockClock()
	return newCore(deps{Store: store.NewMemoryStore(), Clock: mock}, opts), mock
}

// recorder 记录所有发出的报文
type recorder struct {
	mu   sync.Mutex
	sent []*wire.Envelope
	err  error
}

func (r *recorder) Transmit(_ context.Context, env *wire.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *recorder) byType(t wire.MessageType) []*wire.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*wire.Envelope
	for _, e := range r.sent {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// collector 按交付顺序记录应用收到的消息
type collector struct {
	mu      sync.Mutex
	numbers []uint64
	payload map[uint64]string
	fail    map[uint64]int // 剩余失败次数
}

func newCollector() *collector {
	return &collector{payload: make(map[uint64]string), fail: make(map[uint64]int)}
}

func (c *collector) OnMessage(_ context.Context, _ string, n uint64, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[n] > 0 {
		c.fail[n]--
		return errTestHandler
	}
	c.numbers = append(c.numbers, n)
	c.payload[n] = string(payload)
	return nil
}

func (c *collector) delivered() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.numbers))
	copy(out, c.numbers)
	return out
}

type testError string

func (e testError) Error() string { return string(e) }

const errTestHandler = testError("应用处理失败")

func newTestCoordinator(t *testing.T, opts Options, tx Transmitter, h Handler) (*Coordinator, *clock.Mock) {
	t.Helper()
	mock := newMockClock()
	co, err := NewCoordinator(Config{
		Options:     opts,
		Store:       store.NewMemoryStore(),
		Transmitter: tx,
		Handler:     h,
		Clock:       mock,
	})
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}
	t.Cleanup(func() { co.Close() })
	return co, mock
}

// openInbound 在接收端建立序列
func openInbound(t *testing.T, co *Coordinator, id string) {
	t.Helper()
	res, err := co.Receive(context.Background(), wire.NewControl(sequence.Version11, wire.TypeCreateSequence, id))
	if err != nil {
		t.Fatalf("建立接收端序列失败: %v", err)
	}
	if res.Outcome != OutcomeControl {
		t.Fatalf("建立接收端序列结果不正确: %v", res.Outcome)
	}
}

func appMsg(id string, n uint64, payload string) *wire.Envelope {
	return wire.NewApplication(sequence.Version11, id, n, []byte(payload), false)
}

func equalNumbers(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
