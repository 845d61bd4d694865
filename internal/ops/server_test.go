package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "cronguard/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProbes(t *testing.T) {
	s := New(Config{}, logx.Nop())
	h := s.Router()

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)

	s.SetReady(true)
	rec := get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestStatusDocument(t *testing.T) {
	s := New(Config{}, logx.Nop(), WithStatus(func() any {
		return map[string]any{"identity": "node-a:9464", "tasks": []string{"report"}}
	}))
	rec := get(t, s.Router(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "node-a:9464", doc["identity"])
}

func TestMetricsMount(t *testing.T) {
	h := New(Config{}, logx.Nop()).Router()
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("up 1\n")) })
	h = New(Config{}, logx.Nop(), WithMetrics(metrics)).Router()
	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up 1\n", rec.Body.String())
}

func TestTokenAuth(t *testing.T) {
	h := New(Config{Token: "s3cret"}, logx.Nop()).Router()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", "Authorization", "Bearer s3cret").Code)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, New(Config{}, logx.Nop()).Router(), "/debug/pprof/").Code)
	assert.Equal(t, http.StatusOK, get(t, New(Config{Pprof: true}, logx.Nop()).Router(), "/debug/pprof/").Code)
}

func TestStartRefusesInsecureBind(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, logx.Nop())
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Nil(t, s.Supervisor())
}

func TestStartServesHTTPAndGRPCHealth(t *testing.T) {
	ctx := context.Background()
	s := New(Config{Addr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}, logx.Nop())
	require.NoError(t, s.Start(ctx))

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(s.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		res, err := client.Check(cctx, &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		return res.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	s.SetReady(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.Empty(t, s.Addr())
	assert.False(t, s.Ready())
}
