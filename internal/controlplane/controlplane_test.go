package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/region"
	"github.com/openmined/regionsync/internal/regionsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu      sync.Mutex
	entries map[region.Key]*ledger.Entry
	halted  bool
	retried int
	cleared int
}

func newFakeService() *fakeService {
	return &fakeService{entries: make(map[region.Key]*ledger.Entry)}
}

func (f *fakeService) OnRegionFileCompleted(ev region.Completed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ev.Key().Validate(); err != nil {
		return err
	}
	if _, ok := f.entries[ev.Key()]; !ok {
		f.entries[ev.Key()] = &ledger.Entry{Key: ev.Key(), State: ledger.StatePending, LocalPath: ev.LocalPath}
	}
	if f.halted {
		return regionsync.ErrPipelineHalted
	}
	return nil
}

func (f *fakeService) Entry(key region.Key) *ledger.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[key].Clone()
}

func (f *fakeService) Summary() regionsync.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := regionsync.Summary{Counts: map[ledger.State]int{}}
	for _, e := range f.entries {
		s.Counts[e.State]++
	}
	return s
}

func (f *fakeService) Failed() []*ledger.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Entry
	for _, e := range f.entries {
		if e.State == ledger.StateFailed {
			out = append(out, e.Clone())
		}
	}
	return out
}

func (f *fakeService) RetryFailed() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried++
	return 2, nil
}

func (f *fakeService) ClearFinished() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return 0, errors.New("ledger closed")
}

func newTestHandler(t *testing.T, svc Service, cfg RouteConfig) http.Handler {
	t.Helper()
	h, err := SetupRoutes(svc, cfg)
	require.NoError(t, err)
	return h
}

func do(h http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRoutes_TokenAuth(t *testing.T) {
	h := newTestHandler(t, newFakeService(), RouteConfig{Token: "secret"})

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/v1/status", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/v1/status", "", "nope").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/status", "", "secret").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/status?token=secret", "", "").Code)

	// index is public
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/", "", "").Code)
}

func TestRoutes_CompletedAndRegion(t *testing.T) {
	svc := newFakeService()
	h := newTestHandler(t, svc, RouteConfig{})

	w := do(h, http.MethodPost, "/v1/regions/completed",
		`{"world":"world","dimension":"nether","x":-1,"z":4,"localPath":"/srv/world/DIM-1/region/r.-1.4.mca"}`, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var completed CompletedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &completed))
	assert.Equal(t, CodeOk, completed.Code)
	assert.Equal(t, region.NewKey("world", region.Nether, -1, 4), completed.Key)
	assert.Equal(t, ledger.StatePending, completed.State)

	w = do(h, http.MethodGet, "/v1/regions/world/nether/-1/4", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp RegionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "/srv/world/DIM-1/region/r.-1.4.mca", resp.Entry.LocalPath)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/v1/regions/world/nether/9/9", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/v1/regions/world/nether/a/9", "", "").Code)
}

func TestRoutes_CompletedRejectsBadEvents(t *testing.T) {
	h := newTestHandler(t, newFakeService(), RouteConfig{})

	w := do(h, http.MethodPost, "/v1/regions/completed", `{"world":"world"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var cpErr ControlPlaneError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cpErr))
	assert.Equal(t, ErrCodeBadRequest, cpErr.ErrorCode)

	w = do(h, http.MethodPost, "/v1/regions/completed", `not json`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutes_CompletedRequiresJSON(t *testing.T) {
	svc := newFakeService()
	h := newTestHandler(t, svc, RouteConfig{})
	body := `{"world":"world","x":0,"z":0,"localPath":"/home/user/.ssh/r.0.0.mca"}`

	for _, contentType := range []string{"text/plain", "application/x-www-form-urlencoded", ""} {
		req := httptest.NewRequest(http.MethodPost, "/v1/regions/completed", strings.NewReader(body))
		req.Header.Set("Origin", "http://evil.example")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code, "content type %q", contentType)
		var cpErr ControlPlaneError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cpErr))
		assert.Equal(t, ErrCodeUnsupported, cpErr.ErrorCode)
	}
	assert.Nil(t, svc.Entry(region.NewKey("world", region.Overworld, 0, 0)))

	// parameters on the JSON type are fine
	req := httptest.NewRequest(http.MethodPost, "/v1/regions/completed", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestRoutes_CompletedWhileHalted(t *testing.T) {
	svc := newFakeService()
	svc.halted = true
	h := newTestHandler(t, svc, RouteConfig{})

	w := do(h, http.MethodPost, "/v1/regions/completed", `{"world":"world","x":0,"z":0,"localPath":"/tmp/r.0.0.mca"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), ErrCodeHalted)
}

func TestRoutes_RetryAndClear(t *testing.T) {
	svc := newFakeService()
	h := newTestHandler(t, svc, RouteConfig{})

	w := do(h, http.MethodPost, "/v1/retry", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var count CountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &count))
	assert.Equal(t, 2, count.Count)

	w = do(h, http.MethodPost, "/v1/clear", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/v1/retry", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/v2/nothing", "", "").Code)
}

func TestRoutes_RateLimit(t *testing.T) {
	h := newTestHandler(t, newFakeService(), RouteConfig{RateLimit: "2-M"})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/status", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/status", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/v1/status", "", "").Code)

	_, err := SetupRoutes(newFakeService(), RouteConfig{RateLimit: "lots"})
	assert.Error(t, err)
}

func TestClient_AgainstServer(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(newTestHandler(t, svc, RouteConfig{Token: "secret"}))
	defer srv.Close()

	ctx := context.Background()
	client := NewClient(srv.URL, "secret")

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", status.Status)

	ev := region.Completed{World: "world", Dimension: region.End, X: 2, Z: 3, LocalPath: "/srv/world/DIM1/region/r.2.3.mca"}
	completed, err := client.Completed(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ev.Key(), completed.Key)

	got, err := client.Region(ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, got.Entry.State)

	_, err = client.Region(ctx, region.NewKey("world", region.End, 0, 0))
	var cpErr *ControlPlaneError
	require.ErrorAs(t, err, &cpErr)
	assert.Equal(t, ErrCodeNotFound, cpErr.ErrorCode)

	n, err := client.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	failed, err := client.Failed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed.Entries)

	_, err = NewClient(srv.URL, "wrong").Status(ctx)
	require.ErrorAs(t, err, &cpErr)
	assert.Equal(t, ErrCodeUnauthorized, cpErr.ErrorCode)
}

func TestClient_Watch(t *testing.T) {
	svc := newFakeService()
	require.NoError(t, svc.OnRegionFileCompleted(region.Completed{World: "world", LocalPath: "/tmp/r.0.0.mca"}))

	srv := httptest.NewServer(newTestHandler(t, svc, RouteConfig{Token: "secret"}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var updates []regionsync.Summary
	err := NewClient(srv.URL, "secret").Watch(ctx, 100*time.Millisecond, func(s regionsync.Summary) {
		updates = append(updates, s)
		if len(updates) == 2 {
			cancel()
		}
	})
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, 1, updates[0].Counts[ledger.StatePending])
}

func TestAddrToURL(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
		err  bool
	}{
		{"addr-with-host-port", "localhost:7939", "http://localhost:7939", false},
		{"addr-with-ip-port", "0.0.0.0:7939", "http://0.0.0.0:7939", false},
		{"addr-with-only-port", ":7939", "http://127.0.0.1:7939", false},
		{"addr-missing-port", "localhost", "", true},
		{"addr-with-only-host", "localhost:", "", true},
		{"empty", "", "", true},
	}
	for _, test := range tests {
		val, err := AddrToURL(test.addr)
		if test.err {
			assert.Error(t, err, test.name)
		} else {
			assert.NoError(t, err)
			assert.Equal(t, test.want, val, test.name)
		}
	}
}
