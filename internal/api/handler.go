package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proxysupervisor/internal/config"
	"proxysupervisor/internal/logging"
	"proxysupervisor/internal/pool"
)

// API holds every collaborator the HTTP surface needs: the pool supervisor,
// the static configuration (for the config-mismatch check), the bad-
// connections blocklist, the async job store, and the ops event hub. It has
// no state of its own beyond these references — matching the teacher's
// web.Handler, which is similarly a thin bag of collaborators behind plain
// http.HandlerFunc methods (no web framework).
type API struct {
	pool      *pool.Supervisor
	cfg       *config.Config
	blocklist *config.Blocklist
	hub       *Hub
	jobs      *jobStore
	metrics   *prometheus.Registry
}

// New returns an API ready to be mounted with Mux.
func New(sup *pool.Supervisor, cfg *config.Config, blocklist *config.Blocklist, hub *Hub) *API {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newPoolCollector(sup))

	return &API{pool: sup, cfg: cfg, blocklist: blocklist, hub: hub, jobs: newJobStore(), metrics: reg}
}

// Mux builds the full route table from §6, on top of the standard library's
// method-and-pattern ServeMux, matching the teacher's "plain handlers on a
// mux, no framework" idiom (web.StartServer).
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /new_proxy", a.handleNewProxy)
	mux.HandleFunc("POST /new_proxy_async", a.handleNewProxyAsync)
	mux.HandleFunc("POST /new_proxies", a.handleNewProxies)
	mux.HandleFunc("GET /job/{id}", a.handleGetJob)
	mux.HandleFunc("POST /restart_and_check", a.handleRestartAndCheck)
	mux.HandleFunc("POST /maintenance/sweep", a.handleSweep)
	mux.HandleFunc("DELETE /proxy/{name}", a.handleDeleteProxy)
	mux.HandleFunc("DELETE /proxies", a.handleDeleteProxies)
	mux.HandleFunc("GET /proxies", a.handleListProxies)
	mux.HandleFunc("GET /proxy/{name}", a.handleGetProxy)
	mux.HandleFunc("POST /report_bad", a.handleReportBad)
	mux.HandleFunc("GET /bad_connections", a.handleBadConnections)
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) { ServeWs(a.hub, w, r) })

	return mux
}

// decodeEcho reads an optional config.Echo from the request body. An empty
// or absent body is not an error — it simply matches trivially (§6).
func decodeEcho(r *http.Request) (config.Echo, error) {
	var echo config.Echo
	if r.Body == nil || r.ContentLength == 0 {
		return echo, nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&echo); err != nil {
		return config.Echo{}, err
	}
	return echo, nil
}

// checkConfigEcho enforces §6's "pool_config_is_static" rule. It writes the
// 400 response itself and returns false when the request should stop.
func (a *API) checkConfigEcho(w http.ResponseWriter, r *http.Request) bool {
	echo, err := decodeEcho(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed config echo: "+err.Error())
		return false
	}
	if !a.cfg.Matches(echo) {
		writeErrorMessage(w, http.StatusBadRequest, "pool_config_is_static")
		return false
	}
	return true
}

// acquireOrCreate is the handout path shared by /new_proxy and
// /new_proxy_async: try the non-blocking readiness index first, and only
// fall back to a synchronous create if the pool is momentarily empty (§4.E,
// "create_sync ... a fallback when the pool is empty at handout").
func (a *API) acquireOrCreate(ctx context.Context) (pool.Record, error) {
	if rec, ok := a.pool.Acquire(); ok {
		return rec, nil
	}
	return a.pool.CreateSync(ctx)
}

func (a *API) handleNewProxy(w http.ResponseWriter, r *http.Request) {
	if !a.checkConfigEcho(w, r) {
		return
	}
	rec, err := a.acquireOrCreate(r.Context())
	if err != nil {
		writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool.Sanitize(rec))
}

func (a *API) handleNewProxyAsync(w http.ResponseWriter, r *http.Request) {
	if !a.checkConfigEcho(w, r) {
		return
	}
	id := a.jobs.create()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		rec, err := a.acquireOrCreate(ctx)
		if err != nil {
			a.jobs.fail(id, err)
			return
		}
		a.jobs.complete(id, pool.Sanitize(rec))
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "job_id": id})
}

// newProxiesRequest is the batch equivalent of config.Echo: the same static-
// config-echo fields (embedded), plus the count of workers to hand out. Both
// are read from a single JSON body, unlike /new_proxy + checkConfigEcho,
// since here the body must carry count as well.
type newProxiesRequest struct {
	config.Echo
	Count int `json:"count"`
}

// handleNewProxies is the batch form of /new_proxy, grounded on the original
// implementation's POST /new_proxies (main.py, VPNManager.create_multiple_
// proxies): it hands out count workers one at a time and reports partial
// success rather than failing the whole batch if some handouts error out.
// Unlike the original, count never re-parameterizes the pool's port range or
// timeouts — those stay fixed by the static config, per §6.
func (a *API) handleNewProxies(w http.ResponseWriter, r *http.Request) {
	req := newProxiesRequest{Count: 1}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "malformed request body: "+err.Error())
			return
		}
	}
	if !a.cfg.Matches(req.Echo) {
		writeErrorMessage(w, http.StatusBadRequest, "pool_config_is_static")
		return
	}
	if req.Count < 1 {
		writeErrorMessage(w, http.StatusBadRequest, "count must be >= 1")
		return
	}

	proxies := make([]pool.Sanitized, 0, req.Count)
	errs := make([]string, 0)
	for i := 0; i < req.Count; i++ {
		rec, err := a.acquireOrCreate(r.Context())
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		proxies = append(proxies, pool.Sanitize(rec))
	}

	status := "error"
	switch {
	case len(proxies) > 0 && len(errs) > 0:
		status = "partial"
	case len(proxies) > 0:
		status = "ok"
	}

	resp := map[string]any{
		"status":          status,
		"count_requested": req.Count,
		"count_ok":        len(proxies),
		"count_error":     len(errs),
		"proxies":         proxies,
		"errors":          errs,
	}
	if status == "error" {
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, ok := a.jobs.get(id)
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, "unknown job")
		return
	}
	resp := map[string]any{"status": j.Status}
	switch j.Status {
	case jobDone:
		resp["result"] = j.Result
	case jobError:
		resp["result"] = map[string]string{"error": j.Err}
	}
	writeJSON(w, http.StatusOK, resp)
}

type restartRequest struct {
	ContainerName string `json:"container_name"`
}

func (a *API) handleRestartAndCheck(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContainerName == "" {
		writeErrorMessage(w, http.StatusBadRequest, "missing container_name")
		return
	}

	replacement, err := a.pool.ScheduleRestart(r.Context(), req.ContainerName)
	if err != nil {
		writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduled_for_restart": req.ContainerName,
		"replacement":           pool.Sanitize(replacement),
	})
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	results := a.pool.Sweep(r.Context())

	type entry struct {
		ContainerName string `json:"container_name"`
		Status        string `json:"status"`
		Attempts      int    `json:"attempts,omitempty"`
		Error         string `json:"error,omitempty"`
	}
	processed := make([]entry, 0, len(results))
	for _, res := range results {
		e := entry{ContainerName: res.Name, Status: string(res.Outcome), Attempts: res.Attempts}
		if res.Err != nil {
			e.Error = res.Err.Error()
		}
		processed = append(processed, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

func (a *API) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.pool.Remove(r.Context(), name); err != nil {
		writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleDeleteProxies(w http.ResponseWriter, r *http.Request) {
	a.pool.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListProxies(w http.ResponseWriter, r *http.Request) {
	list := a.pool.List()
	out := make(map[string]pool.Sanitized, len(list))
	for name, rec := range list {
		out[name] = pool.Sanitize(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	list := a.pool.List()
	rec, ok := list[name]
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, "unknown worker")
		return
	}
	writeJSON(w, http.StatusOK, pool.Sanitize(rec))
}

type reportBadRequest struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (a *API) handleReportBad(w http.ResponseWriter, r *http.Request) {
	var req reportBadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeErrorMessage(w, http.StatusBadRequest, "missing name")
		return
	}
	if err := a.blocklist.Report(req.Name, req.Reason); err != nil {
		logging.WithComponent("api").Warn().Err(err).Msg("report_bad: failed to persist entry")
		writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleBadConnections(w http.ResponseWriter, r *http.Request) {
	entries, err := a.blocklist.List()
	if err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []config.BadConnection{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
