package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/behaviorflow/internal/runtime/config"
	"github.com/drblury/behaviorflow/internal/runtime/jsoncodec"
)

func TestPipelineHistoryKeepsNewestFirst(t *testing.T) {
	h := newPipelineHistory(3)
	assert.Empty(t, h.recent(0))

	for _, id := range []string{"a", "b", "c", "d"} {
		h.add(PipeSnapshot{ID: id})
	}

	ids := func(snaps []PipeSnapshot) []string {
		out := make([]string, len(snaps))
		for i, s := range snaps {
			out[i] = s.ID
		}
		return out
	}
	assert.Equal(t, []string{"d", "c", "b"}, ids(h.recent(0)))
	assert.Equal(t, []string{"d", "c"}, ids(h.recent(2)))
	assert.Equal(t, []string{"d", "c", "b"}, ids(h.recent(10)))
}

func TestPipelineHistoryDefaultSize(t *testing.T) {
	h := newPipelineHistory(0)
	assert.Len(t, h.pipes, defaultDiagnosticsHistory)
}

func TestPipelineHistoryObservesFinishedPipes(t *testing.T) {
	registry := NewInvocationRegistry()
	h := newPipelineHistory(5)
	sub := h.observe(registry)
	defer sub.Unsubscribe()

	p := newPipe(IncomingContext)
	registry.add(p)
	assert.Empty(t, h.recent(0))

	p.finish(nil)
	registry.done(p)
	snaps := h.recent(0)
	require.Len(t, snaps, 1)
	assert.Equal(t, p.ID(), snaps[0].ID)
	assert.Equal(t, "incoming", snaps[0].Kind)
}

func newDiagnosticsService(t *testing.T, conf *configpkg.Config) (*Service, *http.ServeMux) {
	t.Helper()
	conf.DiagnosticsEnabled = true
	conf.DiagnosticsPort = 8181
	svc, _ := newTestService(t, conf, ServiceDependencies{})
	mux := svc.httpServers[8181]
	require.NotNil(t, mux)
	return svc, mux
}

func serve(mux *http.ServeMux, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestDiagnosticsListsPipelines(t *testing.T) {
	svc, mux := newDiagnosticsService(t, &configpkg.Config{})
	require.NoError(t, RegisterJSONHandler(svc, func(*BehaviorContext, *orderPlaced) error { return nil }))

	_, err := svc.Publish(context.Background(), "orders", &orderPlaced{OrderID: "o-1"})
	require.NoError(t, err)

	rec := serve(mux, http.MethodGet, "/api/pipelines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp pipelinesResponse
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, DefaultIncomingBehaviors(), resp.Incoming)
	assert.Equal(t, DefaultOutgoingBehaviors(), resp.Outgoing)
	assert.Equal(t, []string{MessageTypeOf(&orderPlaced{})}, resp.Types)
	require.Len(t, resp.Pipelines, 1)
	assert.Equal(t, "outgoing", resp.Pipelines[0].Kind)
	assert.Len(t, resp.Pipelines[0].Steps, len(DefaultOutgoingBehaviors()))
}

func TestDiagnosticsPrettyOutput(t *testing.T) {
	_, mux := newDiagnosticsService(t, &configpkg.Config{})

	compact := serve(mux, http.MethodGet, "/api/pipelines", nil)
	pretty := serve(mux, http.MethodGet, "/api/pipelines?pretty=1", nil)

	assert.NotContains(t, strings.TrimSpace(compact.Body.String()), "\n")
	assert.Contains(t, pretty.Body.String(), "\n  \"")
}

func TestDiagnosticsStatsRequireMetrics(t *testing.T) {
	_, mux := newDiagnosticsService(t, &configpkg.Config{})

	rec := serve(mux, http.MethodGet, "/api/pipelines/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "metrics are disabled")
}

func TestDiagnosticsStats(t *testing.T) {
	svc, mux := newDiagnosticsService(t, &configpkg.Config{MetricsEnabled: true})

	_, err := svc.Publish(context.Background(), "orders", &orderPlaced{})
	require.NoError(t, err)

	rec := serve(mux, http.MethodGet, "/api/pipelines/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap PipelineMetricsSnapshot
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(1), snap.TotalInvocations)
	assert.Contains(t, snap.Kinds, "outgoing")
}

func TestDiagnosticsCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{name: "no origins configured", origin: "http://ui.local"},
		{name: "wildcard", allowed: []string{"*"}, origin: "http://ui.local", want: "*"},
		{name: "exact match", allowed: []string{"http://UI.local"}, origin: "http://ui.local", want: "http://ui.local"},
		{name: "not allowed", allowed: []string{"http://other"}, origin: "http://ui.local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mux := newDiagnosticsService(t, &configpkg.Config{DiagnosticsCORSAllowedOrigins: tt.allowed})

			rec := serve(mux, http.MethodGet, "/api/pipelines", map[string]string{"Origin": tt.origin})
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestDiagnosticsPreflight(t *testing.T) {
	_, mux := newDiagnosticsService(t, &configpkg.Config{DiagnosticsCORSAllowedOrigins: []string{"*"}})

	rec := serve(mux, http.MethodOptions, "/api/pipelines/stats", map[string]string{"Origin": "http://ui.local"})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Empty(t, rec.Body.String())
}
