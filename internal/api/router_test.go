package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmq/internal/config"
	"swarmq/internal/hashing"
	"swarmq/internal/queue"
)

type apiFixture struct {
	qm      *queue.Manager
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	cfg := config.Default()
	cfg.QueueFile = "/data/queue.bencode"
	cfg.TempDirectory = "/data/incomplete"

	hasher, err := hashing.NewService(fs, zerolog.Nop(), 16, 1)
	require.NoError(t, err)
	qm, err := queue.NewManager(cfg, zerolog.Nop(), queue.Services{Fs: fs, Hasher: hasher})
	require.NoError(t, err)
	t.Cleanup(func() {
		qm.Close()
		hasher.Close()
	})
	return &apiFixture{qm: qm, handler: NewRouter(cfg, zerolog.Nop(), qm, nil)}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func fileURL(path, target string) string {
	return path + "?target=" + url.QueryEscape(target)
}

func TestFileLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	tth := hashing.LeafHash([]byte("content")).String()

	rec := f.do(t, http.MethodPost, "/files", `{"target":"/dl/a.bin","size":2097152,"tth":"`+tth+`","source":{"user":"u1","hub":"adc://hub"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	added := decode[queue.ItemInfo](t, rec)
	assert.Equal(t, "/dl/a.bin", added.Target)
	assert.Equal(t, queue.PriorityNormal, added.Priority)

	rec = f.do(t, http.MethodGet, fileURL("/file", "/dl/a.bin"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2097152), decode[queue.ItemInfo](t, rec).Size)

	rec = f.do(t, http.MethodGet, "/files?tth="+tth, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]queue.ItemInfo](t, rec), 1)

	rec = f.do(t, http.MethodPut, fileURL("/file/priority", "/dl/a.bin"), `{"priority":"high"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, queue.PriorityHigh, decode[queue.ItemInfo](t, rec).Priority)

	rec = f.do(t, http.MethodPost, fileURL("/file/sources", "/dl/a.bin"), `{"user":"u2","hub":"adc://hub"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[queue.ItemInfo](t, rec).Sources, 2)

	rec = f.do(t, http.MethodDelete, "/sources/u2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[removedResponseBody](t, rec).Removed)

	rec = f.do(t, http.MethodDelete, fileURL("/file", "/dl/a.bin"), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, fileURL("/file", "/dl/a.bin"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type removedResponseBody struct {
	Removed int `json:"removed"`
}

func TestAddFileErrors(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/files", `{"size":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/files", `{"target":"/dl/x","size":10,"tth":"not-base32!"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/files", `{"target":"/dl/x","size":10,"priority":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/files", `{"target":"/dl/x","size":100000}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/files", `{"target":"/dl/x","size":200000}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "different content")

	rec = f.do(t, http.MethodGet, "/file", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBundleRoutes(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/bundles", `{"target":"/dl/album","files":[{"name":"1.bin","size":2097152},{"name":"2.bin","size":2097152}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[queue.BundleInfo](t, rec)
	assert.Equal(t, 2, b.Items)

	rec = f.do(t, http.MethodGet, "/bundles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]queue.BundleInfo](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/bundles/"+string(b.Token)+"/files", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]queue.ItemInfo](t, rec), 2)

	rec = f.do(t, http.MethodPut, "/bundles/"+string(b.Token)+"/priority", `{"priority":"paused"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, queue.PriorityPaused, decode[queue.BundleInfo](t, rec).Priority)

	rec = f.do(t, http.MethodPost, "/bundles/"+string(b.Token)+"/rescan", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/unfinished", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"/dl/album/"}, decode[[]string](t, rec))

	rec = f.do(t, http.MethodDelete, "/bundles/"+string(b.Token), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/bundles/"+string(b.Token), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusAndBloom(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.qm.AddFile(queue.FileRequest{Target: "/dl/a.bin", Size: 1 << 20, TTH: hashing.LeafHash([]byte("a"))})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[statusBody](t, rec)
	assert.Equal(t, 1, status.Files)
	assert.Equal(t, int64(1<<20), status.Remaining)
	assert.Equal(t, "1.0 MiB", status.RemainingText)

	rec = f.do(t, http.MethodGet, "/bloom?m=1024&k=3", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/bloom?m=1024&k=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/bloom?m=x&k=3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type statusBody struct {
	Files         int    `json:"files"`
	Remaining     int64  `json:"remaining"`
	RemainingText string `json:"remainingText"`
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/bundles", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(t, http.MethodGet, "/status", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
