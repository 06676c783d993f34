package adminhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conduit-lang/lspgateway/internal/client"
	"github.com/conduit-lang/lspgateway/internal/events"
	"github.com/conduit-lang/lspgateway/internal/gateway"
	"github.com/conduit-lang/lspgateway/internal/pool"
	"github.com/conduit-lang/lspgateway/internal/provider"
)

func withURLParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func newTestHandlers(t *testing.T) *handlers {
	t.Helper()
	reg, err := provider.NewRegistry(provider.NewGoProvider())
	require.NoError(t, err)
	p := pool.NewWithFactory(pool.Config{}, reg, zap.NewNop(), func(cfg client.Config, logger *zap.Logger, onCrash func(*client.ServerCrashError)) pool.Backend {
		return client.New(cfg, logger, onCrash)
	})
	bus := events.NewBus(zap.NewNop())
	gw := gateway.New(p, bus, zap.NewNop())
	return &handlers{pool: p, gateway: gw, logger: zap.NewNop()}
}

func TestHealthzReturnsOK(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.healthz(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestListPoolReturnsEmptySnapshotInitially(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/pool", nil)
	rec := httptest.NewRecorder()

	h.listPool(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestEvictUnknownEntryReturnsNotFound(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/pool/go/tmp/evict", nil)
	req = withURLParams(req, map[string]string{"language": "go", "workspace": "/tmp/does-not-exist"})
	rec := httptest.NewRecorder()

	h.evict(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteCommandRejectsMalformedBody(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/commands/go", strings.NewReader("{not json"))
	req = withURLParams(req, map[string]string{"language": "go"})
	rec := httptest.NewRecorder()

	h.executeCommand(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewServerBuildsWithoutPanicking(t *testing.T) {
	reg, err := provider.NewRegistry(provider.NewGoProvider())
	require.NoError(t, err)
	p := pool.New(pool.Config{}, reg, zap.NewNop())
	bus := events.NewBus(zap.NewNop())
	gw := gateway.New(p, bus, zap.NewNop())

	s := New(Config{Addr: "127.0.0.1:0", AuthSecret: "s3cret", TokenTTL: time.Hour}, p, gw, bus, zap.NewNop())
	assert.NotNil(t, s)
}
