// =============================================================================
// 文件: internal/metrics/metrics_test.go
// 描述: 指标与健康检查端点测试
// =============================================================================
package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSequenceStats struct{}

func (fakeSequenceStats) GetSequenceCounts() []SequenceCount {
	return []SequenceCount{
		{Direction: "outbound", State: "ESTABLISHED", Count: 3},
		{Direction: "inbound", State: "CLOSING", Count: 1},
	}
}
func (fakeSequenceStats) GetBufferedMessages() int    { return 7 }
func (fakeSequenceStats) GetRetiredSequences() uint64 { return 2 }

func TestNilMetricsIsNoop(t *testing.T) {
	var m *RMMetrics
	m.RecordSent()
	m.RecordAck(time.Second)
	m.RecordFault("s", "UnknownSequence", "local")
	if m.Stats() != nil {
		t.Error("nil 指标的 Stats 应为 nil")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewMetricsServer(":0", "/metrics", "/health", false, nil)
	m := NewRMMetrics(srv.GetRegistry())
	srv.MustRegisterCollector(NewSequenceCollector(fakeSequenceStats{}))

	m.RecordSent()
	m.RecordRetransmit()
	m.RecordFault("s1", "SequenceClosed", "local")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	for _, want := range []string{
		"wsrm_message_sent_total 1",
		"wsrm_message_retransmits_total 1",
		`wsrm_faults_total{origin="local",subcode="SequenceClosed"} 1`,
		`wsrm_sequence_count{direction="outbound",state="ESTABLISHED"} 3`,
		"wsrm_sequence_reorder_buffered 7",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("指标输出缺少 %q", want)
		}
	}

	stats := m.Stats().GetStats()
	if stats["messages_sent"].(uint64) != 1 {
		t.Errorf("messages_sent 不正确: got %v", stats["messages_sent"])
	}
	history := m.Stats().GetFaultHistory(10)
	if len(history) != 1 || history[0].SequenceID != "s1" {
		t.Errorf("故障历史不正确: %+v", history)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := NewMetricsServer(":0", "/metrics", "/health", false, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	get := func(path string) int {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("请求 %s 失败: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/health/live"); code != http.StatusOK {
		t.Errorf("存活探针不正确: got %d", code)
	}
	// 未设置健康检查函数时不就绪
	if code := get("/health/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("就绪探针不正确: got %d", code)
	}

	srv.SetHealthCheck(func() HealthStatus { return HealthStatus{Status: "degraded"} })
	if code := get("/health/ready"); code != http.StatusOK {
		t.Errorf("degraded 应视为就绪: got %d", code)
	}
	if code := get("/health"); code != http.StatusServiceUnavailable {
		t.Errorf("degraded 健康检查应返回 503: got %d", code)
	}

	srv.SetHealthy(false)
	if code := get("/health/live"); code != http.StatusServiceUnavailable {
		t.Errorf("标记不健康后存活探针应失败: got %d", code)
	}
}

// brokenWriter 对端已断开的响应
type brokenWriter struct {
	header http.Header
	code   int
}

func (w *brokenWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
func (w *brokenWriter) WriteHeader(code int)      { w.code = code }

func TestHealthWriteErrorLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	srv := NewMetricsServer(":0", "/metrics", "/health", false, zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.Handler().ServeHTTP(&brokenWriter{}, req)
	if logs.FilterMessage("写入健康状态失败").Len() != 1 {
		t.Errorf("写入健康状态失败应记录日志: %v", logs.All())
	}

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := &brokenWriter{}
	srv.Handler().ServeHTTP(w, req)
	if w.code != http.StatusOK || logs.FilterMessage("写入探针响应失败").Len() != 1 {
		t.Errorf("探针写入失败应记录日志: code=%d", w.code)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", false, nil)
	if err := srv.Stop(); err != nil {
		t.Errorf("未启动时停止应成功: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("取消后应正常退出: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("取消后未退出")
	}
}

func TestFaultHistoryBounded(t *testing.T) {
	s := NewStats()
	for i := 0; i < faultHistorySize+10; i++ {
		s.RecordFaultHistory("s", "UnknownSequence", "remote")
	}
	if got := len(s.GetFaultHistory(0)); got != faultHistorySize {
		t.Errorf("故障历史长度不正确: got %d, want %d", got, faultHistorySize)
	}
}
