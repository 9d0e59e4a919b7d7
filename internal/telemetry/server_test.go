package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiowebux/loadramp/internal/stresstest"
)

type fakeSource struct {
	agg      *stresstest.Aggregator
	progress stresstest.Progress
	points   chan stresstest.TimelinePoint

	mu           sync.Mutex
	unsubscribed bool
}

func newFakeSource() *fakeSource {
	agg := stresstest.NewAggregator(stresstest.DefaultBuckets(), 3, 0)
	for i := 0; i < 3; i++ {
		agg.Record(stresstest.Outcome{Success: true, Backend: "a", Attempts: 1, Latency: 50 * time.Millisecond, WorkerID: int64(i)})
	}
	agg.Record(stresstest.Outcome{Success: false, Backend: "b", Retries: 2, Attempts: 3, Latency: 700 * time.Millisecond, StatusCode: 500})
	agg.RecordActiveDelta(2)

	return &fakeSource{
		agg:      agg,
		progress: stresstest.Progress{Stage: 1, Stages: 3, Target: 5, Active: 2},
		points:   make(chan stresstest.TimelinePoint, 4),
	}
}

func (f *fakeSource) Snapshot() *stresstest.Snapshot { return f.agg.Snapshot() }

func (f *fakeSource) Progress() stresstest.Progress { return f.progress }

func (f *fakeSource) Subscribe() (<-chan stresstest.TimelinePoint, func()) {
	return f.points, func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.mu.Unlock()
	}
}

func newTestServer(t *testing.T, src Source) *httptest.Server {
	t.Helper()
	s, err := NewServer(src, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNewServerRequiresSource(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}

func TestCollector(t *testing.T) {
	c := NewCollector(newFakeSource())

	assert.Equal(t, 2, testutil.CollectAndCount(c, "loadramp_outcomes_total"))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "loadramp_backend_requests_total"))
	assert.Equal(t, 4, testutil.CollectAndCount(c, "loadramp_latency_quantile_seconds"))

	problems, err := testutil.CollectAndLint(c)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestCollectorWithoutData(t *testing.T) {
	src := &fakeSource{agg: stresstest.NewAggregator(stresstest.DefaultBuckets(), 0, 0)}
	c := NewCollector(src)

	assert.Equal(t, 0, testutil.CollectAndCount(c, "loadramp_latency_quantile_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "loadramp_request_duration_seconds"))
}

func TestCumulativeBuckets(t *testing.T) {
	count, buckets := cumulativeBuckets([]stresstest.BucketCount{
		{UpperMs: 100, Count: 3},
		{LowerMs: 100, UpperMs: 500, Count: 0},
		{LowerMs: 500, UpperMs: 1000, Count: 1},
		{LowerMs: 1000, Count: 2},
	})

	assert.Equal(t, uint64(6), count)
	assert.Equal(t, map[float64]uint64{0.1: 3, 0.5: 3, 1: 4}, buckets)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, newFakeSource())

	status, body := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, status)

	for _, want := range []string{
		"loadramp_requests_total 4",
		`loadramp_outcomes_total{outcome="success"} 3`,
		`loadramp_outcomes_total{outcome="failure"} 1`,
		"loadramp_retries_total 2",
		"loadramp_active_workers 2",
		"loadramp_target_workers 5",
		`loadramp_request_duration_seconds_bucket{le="0.1"} 3`,
		`loadramp_request_duration_seconds_bucket{le="1"} 4`,
		`loadramp_request_duration_seconds_bucket{le="+Inf"} 4`,
		"loadramp_request_duration_seconds_count 4",
		"# HELP loadramp_request_duration_seconds Latency of logical requests, retries and backoff included",
		`loadramp_backend_requests_total{backend="a"} 3`,
		"go_goroutines",
	} {
		assert.Contains(t, body, want)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	ts := newTestServer(t, newFakeSource())

	status, body := get(t, ts.URL+"/snapshot")
	require.Equal(t, http.StatusOK, status)

	var resp SnapshotResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, int64(4), resp.Snapshot.TotalRequests)
	assert.Equal(t, int64(1), resp.Snapshot.FailureCount)
	assert.Equal(t, int64(3), resp.Snapshot.Backends["a"])
	assert.Equal(t, 5, resp.Progress.Target)
	assert.NoError(t, resp.Snapshot.Check())
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, newFakeSource())

	status, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)

	status, _ = get(t, ts.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStreamEndpoint(t *testing.T) {
	src := newFakeSource()
	ts := newTestServer(t, src)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	src.points <- stresstest.TimelinePoint{ElapsedMs: 1000, Target: 2, TotalRequests: 10, RPS: 10}
	src.points <- stresstest.TimelinePoint{ElapsedMs: 2000, Target: 4, TotalRequests: 30, RPS: 20}
	close(src.points)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first, second stresstest.TimelinePoint
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, int64(1000), first.ElapsedMs)
	assert.Equal(t, 4, second.Target)
	assert.InDelta(t, 20.0, second.RPS, 1e-9)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.unsubscribed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListenAndServe(t *testing.T) {
	s, err := NewServer(newFakeSource(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.ListenAndServe(ctx, "127.0.0.1:0", func(a net.Addr) { addrCh <- a })
	}()

	var addr net.Addr
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	status, _ := get(t, "http://"+addr.String()+"/healthz")
	assert.Equal(t, http.StatusOK, status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestListenAndServeBadAddr(t *testing.T) {
	s, err := NewServer(newFakeSource(), nil)
	require.NoError(t, err)
	assert.Error(t, s.ListenAndServe(context.Background(), "256.0.0.1:-1", nil))
}
