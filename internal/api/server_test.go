package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ipfs-backfill/internal/metrics"
	"github.com/JakeFAU/ipfs-backfill/internal/pipeline"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

type fixedState pipeline.State

func (s fixedState) State() pipeline.State { return pipeline.State(s) }

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, nil, zap.NewNop()), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzPingsStore(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(fakePinger{}, nil, nil, nil), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, NewServer(fakePinger{err: errors.New("conn refused")}, nil, nil, nil), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store unavailable")
}

func TestServer_MetricsExposesCollectors(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	m.ObserveRow("content", metrics.OutcomeSucceeded)
	s := NewServer(nil, m, nil, nil)

	serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "backfill_rows_total")
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_StatusReportsPipelines(t *testing.T) {
	t.Parallel()

	m := metrics.New(nil)
	m.ObserveCycle(metrics.CycleReport{ID: "c1", Pipeline: "content", Selected: 4, Succeeded: 3, Failed: 1})
	loops := map[string]LoopStater{
		"content": fixedState(pipeline.StateCooling),
		"image":   fixedState(pipeline.StateSelecting),
	}
	rec := serve(t, NewServer(nil, m, loops, nil), "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pipelines map[string]PipelineView `json:"pipelines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "cooling", body.Pipelines["content"].State)
	require.Equal(t, 3, body.Pipelines["content"].Succeeded)
	require.Equal(t, "c1", body.Pipelines["content"].LastCycle.ID)
	require.Equal(t, "selecting", body.Pipelines["image"].State)
	require.Zero(t, body.Pipelines["image"].Cycles)
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s := NewServer(nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	addr := "127.0.0.1:" + strconv.Itoa(port)
	go func() { done <- s.ListenAndServe(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
