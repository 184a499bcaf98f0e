package listener

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/overlay/internal/api/middleware"
	"github.com/GriffinCanCode/overlay/internal/correlation"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/resilience"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var externalCall = regexp.MustCompile(`^window\._overlay\.external_ipc\((\d+), (.*)\);$`)

// fakeContent plays the content side: it answers external calls through
// the table the way the dispatcher would.
type fakeContent struct {
	table *correlation.Table

	mu      sync.Mutex
	refuse  error
	answer  func(id uint64, body string) *correlation.Reply
	calls   []string
	arrived chan uint64
}

func newFakeContent(table *correlation.Table) *fakeContent {
	return &fakeContent{table: table, arrived: make(chan uint64, 64)}
}

func (f *fakeContent) Enqueue(script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse != nil {
		return f.refuse
	}
	m := externalCall.FindStringSubmatch(script)
	if m == nil {
		return errors.New("unexpected script")
	}
	id, _ := strconv.ParseUint(m[1], 10, 64)
	f.calls = append(f.calls, m[2])
	f.arrived <- id

	if f.answer != nil {
		if reply := f.answer(id, m[2]); reply != nil {
			go f.table.Fulfill(id, *reply)
		}
	}
	return nil
}

func (f *fakeContent) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	listener *Listener
	table    *correlation.Table
	content  *fakeContent
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	table := correlation.New()
	content := newFakeContent(table)
	if cfg.Socket == "" {
		cfg.Socket = filepath.Join(os.TempDir(), "unused.sock")
	}
	l := New(cfg, Deps{
		Gate:    content,
		Table:   table,
		Metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
	})
	return &fixture{listener: l, table: table, content: content}
}

func (f *fixture) post(body string) *httptest.ResponseRecorder {
	return f.do(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.listener.Handler().ServeHTTP(w, req)
	return w
}

func okReply(value string) *correlation.Reply {
	return &correlation.Reply{OK: json.RawMessage(value)}
}

func TestExternalRequestReturnsContentValue(t *testing.T) {
	f := newFixture(t, Config{})
	f.content.answer = func(id uint64, body string) *correlation.Reply {
		return okReply(`{"echo":` + body + `}`)
	}

	w := f.post(`{"q": [1, 2]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"echo":{"q":[1,2]}}`, w.Body.String())
	assert.Equal(t, []string{`{"q": [1, 2]}`}, f.content.received())
	assert.Zero(t, f.table.Len())
}

func TestExternalNullReply(t *testing.T) {
	f := newFixture(t, Config{})
	f.content.answer = func(uint64, string) *correlation.Reply { return &correlation.Reply{} }

	w := f.post(`1`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())
}

func TestExternalErrorReply(t *testing.T) {
	f := newFixture(t, Config{})
	f.content.answer = func(uint64, string) *correlation.Reply {
		return &correlation.Reply{Err: "Error: not today", Failed: true}
	}

	w := f.post(`{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Error: not today", w.Body.String())
}

func TestIdsIncreaseFromOne(t *testing.T) {
	f := newFixture(t, Config{})
	var ids []uint64
	f.content.answer = func(id uint64, _ string) *correlation.Reply {
		ids = append(ids, id)
		return okReply("true")
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, f.post(`true`).Code)
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestMalformedBodyIsRejected(t *testing.T) {
	f := newFixture(t, Config{})

	for _, body := range []string{``, `{`, `{"a":}`, `not json`} {
		w := f.post(body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
	assert.Empty(t, f.content.received())
	assert.Zero(t, f.table.Len())

	// The next well-formed request still gets the first id.
	f.content.answer = func(uint64, string) *correlation.Reply { return okReply("1") }
	require.Equal(t, http.StatusOK, f.post(`{}`).Code)
	assert.Equal(t, uint64(1), <-f.content.arrived)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	f := newFixture(t, Config{MaxBodyBytes: 8})

	w := f.post(`{"too": "large"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "exceeds 8 bytes")
	assert.Zero(t, f.table.Len())
}

func TestRefusedDeliveryFailsImmediately(t *testing.T) {
	f := newFixture(t, Config{})
	f.content.refuse = errors.New("gate closed")

	w := f.post(`{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, f.table.Len())
}

func TestUnansweredRequestTimesOut(t *testing.T) {
	f := newFixture(t, Config{ExternalTimeout: 50 * time.Millisecond})

	start := time.Now()
	w := f.post(`{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "content did not respond within 50ms", w.Body.String())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, f.table.Len())

	// A late reply finds nothing.
	assert.False(t, f.table.Fulfill(1, correlation.Reply{}))
}

func TestClientDisconnectRemovesEntry(t *testing.T) {
	f := newFixture(t, Config{ExternalTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.do(req)
	}()

	<-f.content.arrived
	assert.Equal(t, 1, f.table.Len())
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler kept waiting after the client left")
	}
	assert.Zero(t, f.table.Len())
}

func TestEveryMethodAndPathIsExternal(t *testing.T) {
	f := newFixture(t, Config{})
	f.content.answer = func(uint64, string) *correlation.Reply { return okReply(`"ok"`) }

	for _, target := range []string{"/", "/anything/at/all", "/healthz/"} {
		for _, method := range []string{http.MethodPost, http.MethodPut} {
			w := f.do(httptest.NewRequest(method, target, strings.NewReader(`{}`)))
			assert.Equal(t, http.StatusOK, w.Code, "%s %s", method, target)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","pending":0,"breaker":"closed"}`, w.Body.String())

	w = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "overlay_uptime_seconds")
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: &middleware.RateLimitConfig{RequestsPerSecond: 1, Burst: 1}})
	f.content.answer = func(uint64, string) *correlation.Reply { return okReply("1") }

	require.Equal(t, http.StatusOK, f.post(`{}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.post(`{}`).Code)
	assert.Len(t, f.content.received(), 1)
	assert.Zero(t, f.table.Len())
}

func TestBreakerFailsFastAfterTimeouts(t *testing.T) {
	f := newFixture(t, Config{
		ExternalTimeout: 20 * time.Millisecond,
		Breaker:         resilience.Settings{Threshold: 1, Cooldown: time.Minute},
	})

	require.Equal(t, http.StatusServiceUnavailable, f.post(`{}`).Code)

	w := f.post(`{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "content is not responding", w.Body.String())
	assert.Len(t, f.content.received(), 1)
}

func TestErrorRepliesDoNotTripBreaker(t *testing.T) {
	f := newFixture(t, Config{Breaker: resilience.Settings{Threshold: 1}})
	f.content.answer = func(uint64, string) *correlation.Reply {
		return &correlation.Reply{Err: "nope", Failed: true}
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, "nope", f.post(`{}`).Body.String())
	}
	assert.Len(t, f.content.received(), 3)
}

func TestServeOverUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "overlay")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "bridge.sock")

	// A stale file from a previous run is replaced.
	require.NoError(t, os.WriteFile(socket, nil, 0o644))

	f := newFixture(t, Config{Socket: socket})
	f.content.answer = func(uint64, string) *correlation.Reply { return okReply(`[1,2,3]`) }
	require.NoError(t, f.listener.Start())

	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.NotZero(t, info.Mode()&os.ModeSocket)

	errc := make(chan error, 1)
	go func() { errc <- f.listener.Serve() }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}}
	resp, err := client.Post("http://overlay/", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[1,2,3]", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.listener.Close(ctx))
	require.NoError(t, <-errc)

	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err))
}

func TestStartFailsOnUnusablePath(t *testing.T) {
	f := newFixture(t, Config{Socket: filepath.Join(t.TempDir(), "missing", "dir", "bridge.sock")})
	assert.Error(t, f.listener.Start())
	assert.Error(t, f.listener.Serve())
	assert.NoError(t, f.listener.Close(context.Background()))
}
