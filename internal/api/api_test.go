package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"proxysupervisor/internal/api"
	"proxysupervisor/internal/config"
	"proxysupervisor/internal/pool"
	"proxysupervisor/internal/provisioner"
)

func newTestAPI(t *testing.T) (*api.API, *config.Config) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Defaults()
	cfg.Pool.ContainerPoolSize = 2

	fake := provisioner.NewFake()
	sup := pool.New(fake, pool.Options{TargetSize: 2, Background: false})
	sup.Start()

	bl := config.NewBlocklist(filepath.Join(t.TempDir(), "bad_connections.db"))
	hub := api.NewHub()
	go hub.Run()

	return api.New(sup, cfg, bl, hub), cfg
}

func decodeJSON(t *testing.T, body *bytes.Buffer, v any) {
	t.Helper()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestNewProxyHandsOutASanitizedWorker(t *testing.T) {
	a, _ := newTestAPI(t)
	mux := a.Mux()

	req := httptest.NewRequest(http.MethodPost, "/new_proxy", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got pool.Sanitized
	decodeJSON(t, rr.Body, &got)
	if got.Name == "" || got.Status != "ok" {
		t.Fatalf("unexpected sanitized record: %+v", got)
	}
}

// Scenario 5: config mismatch.
func TestNewProxyRejectsConfigMismatch(t *testing.T) {
	a, cfg := newTestAPI(t)
	mux := a.Mux()

	mismatched := cfg.Pool.PortMin + 1
	body, _ := json.Marshal(config.Echo{PortMin: &mismatched})
	req := httptest.NewRequest(http.MethodPost, "/new_proxy", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var got map[string]string
	decodeJSON(t, rr.Body, &got)
	if got["error"] != "pool_config_is_static" {
		t.Fatalf("expected pool_config_is_static, got %+v", got)
	}
}

func TestRestartAndCheckUnknownWorkerIs404(t *testing.T) {
	a, _ := newTestAPI(t)
	mux := a.Mux()

	body, _ := json.Marshal(map[string]string{"container_name": "does-not-exist"})
	req := httptest.NewRequest(http.MethodPost, "/restart_and_check", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestNewProxyAsyncJobCompletesWithAResult(t *testing.T) {
	a, _ := newTestAPI(t)
	mux := a.Mux()

	req := httptest.NewRequest(http.MethodPost, "/new_proxy_async", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var accepted map[string]string
	decodeJSON(t, rr.Body, &accepted)
	if accepted["status"] != "accepted" || accepted["job_id"] == "" {
		t.Fatalf("unexpected accepted response: %+v", accepted)
	}

	var last map[string]any
	for i := 0; i < 100; i++ {
		jreq := httptest.NewRequest(http.MethodGet, "/job/"+accepted["job_id"], nil)
		jrr := httptest.NewRecorder()
		mux.ServeHTTP(jrr, jreq)
		if jrr.Code != http.StatusOK {
			t.Fatalf("expected 200 for job lookup, got %d", jrr.Code)
		}
		decodeJSON(t, jrr.Body, &last)
		if last["status"] != "pending" {
			break
		}
	}
	if last["status"] != "done" {
		t.Fatalf("expected job to complete, last state: %+v", last)
	}
}

func TestDeleteAndListProxy(t *testing.T) {
	a, _ := newTestAPI(t)
	mux := a.Mux()

	req := httptest.NewRequest(http.MethodPost, "/new_proxy", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	var rec pool.Sanitized
	decodeJSON(t, rr.Body, &rec)

	getReq := httptest.NewRequest(http.MethodGet, "/proxy/"+rec.Name, nil)
	getRR := httptest.NewRecorder()
	mux.ServeHTTP(getRR, getReq)
	if getRR.Code != http.StatusOK {
		t.Fatalf("expected 200 for GET /proxy/%s, got %d", rec.Name, getRR.Code)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/proxy/"+rec.Name, nil)
	delRR := httptest.NewRecorder()
	mux.ServeHTTP(delRR, delReq)
	if delRR.Code != http.StatusOK {
		t.Fatalf("expected 200 for DELETE /proxy/%s, got %d: %s", rec.Name, delRR.Code, delRR.Body.String())
	}

	missingReq := httptest.NewRequest(http.MethodGet, "/proxy/"+rec.Name, nil)
	missingRR := httptest.NewRecorder()
	mux.ServeHTTP(missingRR, missingReq)
	if missingRR.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missingRR.Code)
	}
}

func TestNewProxiesBatchHandsOutCountWorkers(t *testing.T) {
	a, _ := newTestAPI(t)
	mux := a.Mux()

	body, _ := json.Marshal(map[string]int{"count": 3})
	req := httptest.NewRequest(http.MethodPost, "/new_proxies", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got map[string]any
	decodeJSON(t, rr.Body, &got)
	if got["status"] != "ok" {
		t.Fatalf("expected status ok, got %+v", got)
	}
	if got["count_ok"].(float64) != 3 {
		t.Fatalf("expected count_ok 3, got %+v", got["count_ok"])
	}
	proxies, ok := got["proxies"].([]any)
	if !ok || len(proxies) != 3 {
		t.Fatalf("expected 3 proxies in response, got %+v", got["proxies"])
	}
}

func TestNewProxiesRejectsConfigMismatch(t *testing.T) {
	a, cfg := newTestAPI(t)
	mux := a.Mux()

	mismatched := cfg.Pool.PortMin + 1
	body, _ := json.Marshal(map[string]any{"count": 2, "port_min": mismatched})
	req := httptest.NewRequest(http.MethodPost, "/new_proxies", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestMetricsReportsValidWorkerCount(t *testing.T) {
	a, _ := newTestAPI(t)
	mux := a.Mux()

	req := httptest.NewRequest(http.MethodPost, "/new_proxy", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRR := httptest.NewRecorder()
	mux.ServeHTTP(metricsRR, metricsReq)
	if metricsRR.Code != http.StatusOK {
		t.Fatalf("expected 200 for /metrics, got %d", metricsRR.Code)
	}
	if !bytes.Contains(metricsRR.Body.Bytes(), []byte("proxysupervisor_workers_valid 1")) {
		t.Fatalf("expected workers_valid gauge of 1 in metrics output, got:\n%s", metricsRR.Body.String())
	}
}

func TestReportBadAndListBadConnections(t *testing.T) {
	a, _ := newTestAPI(t)
	mux := a.Mux()

	body, _ := json.Marshal(map[string]string{"name": "w-1", "reason": "rate limited"})
	req := httptest.NewRequest(http.MethodPost, "/report_bad", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/bad_connections", nil)
	listRR := httptest.NewRecorder()
	mux.ServeHTTP(listRR, listReq)
	var entries []config.BadConnection
	decodeJSON(t, listRR.Body, &entries)
	if len(entries) != 1 || entries[0].Name != "w-1" {
		t.Fatalf("unexpected bad connections: %+v", entries)
	}
}
