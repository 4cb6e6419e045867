// Package dashboard is the operator's read-only window into the
// world: a JSON API over the kernel's state, a Prometheus endpoint,
// and a websocket event feed. Agents never see this surface; their
// only interface is the executor's verbs.
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/kernel"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

type Server struct {
	kernel *kernel.Kernel
	http   *http.Server
	nextWS uint64
	logger *log.Logger
}

func NewServer(k *kernel.Kernel, listen string) *Server {
	s := &Server{
		kernel: k,
		logger: log.New(log.Writer(), "[Dashboard] ", log.LstdFlags),
	}
	s.http = &http.Server{
		Addr:         listen,
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket writes manage their own deadlines
	}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logging, cors)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.kernel.Registry(), promhttp.HandlerOpts{})).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods("GET")
	api.HandleFunc("/artifacts", s.handleArtifacts).Methods("GET")
	api.HandleFunc("/artifacts/{id}", s.handleArtifact).Methods("GET")
	api.HandleFunc("/ledger", s.handleLedger).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/auction", s.handleAuction).Methods("GET")
	api.HandleFunc("/loops", s.handleLoops).Methods("GET")

	r.HandleFunc("/ws/events", s.handleWS)
	return r
}

// Start serves until ctx is cancelled, then drains with a short grace
// period. It blocks; run it in its own goroutine.
func (s *Server) Start(ctx context.Context) error {
	errC := make(chan error, 1)
	go func() {
		s.logger.Printf("🖥️ dashboard listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
	}()
	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler { return s.router() }

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"watermark": s.kernel.EventLog().Watermark(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Summary())
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pred := artifacts.Predicate{
		Type:       q.Get("type"),
		CreatedBy:  q.Get("created_by"),
		IDPrefix:   q.Get("prefix"),
		Capability: q.Get("capability"),
	}
	all := s.kernel.Store().Query(pred)

	offset, limit := pageParams(q.Get("offset"), q.Get("limit"))
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]map[string]interface{}, 0, end-offset)
	for _, a := range all[offset:end] {
		page = append(page, artifactSummary(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     total,
		"offset":    offset,
		"artifacts": page,
	})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.kernel.Store().Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such artifact: "+id)
		return
	}
	if r.URL.Query().Get("full") == "1" {
		writeJSON(w, http.StatusOK, a)
		return
	}
	writeJSON(w, http.StatusOK, artifactSummary(a))
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	led := s.kernel.Ledger()
	snap := led.Snapshot()
	accounts := make(map[string]interface{}, len(snap.Accounts))
	for id, acct := range snap.Accounts {
		var held int64
		for _, h := range snap.Holds {
			if h.Principal == id {
				held += h.Amount
			}
		}
		accounts[id] = map[string]interface{}{
			"scrip":                acct.Scrip,
			"held":                 held,
			"available":            acct.Scrip - held,
			"llm_budget_remaining": acct.LLMBudget.String(),
			"disk_quota":           acct.DiskQuota,
			"disk_used":            acct.DiskUsed,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts":      accounts,
		"total_scrip":   led.TotalScrip(),
		"minted_total":  snap.MintedTotal,
		"burned_total":  snap.BurnedTotal,
		"api_spend_usd": snap.APISpend.String(),
		"exhausted":     snap.Exhausted,
		"active_holds":  len(snap.Holds),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.ParseInt(q.Get("offset"), 10, 64)
	if offset < 0 {
		offset = 0
	}
	_, limit := pageParams("", q.Get("limit"))
	evs := s.kernel.EventLog().Read(offset, int64(limit))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"watermark": s.kernel.EventLog().Watermark(),
		"events":    evs,
	})
}

func (s *Server) handleAuction(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Mint().Status())
}

func (s *Server) handleLoops(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loops": s.kernel.Scheduler().Loops(),
	})
}

// artifactSummary elides code and clips content so list responses
// stay small; ?full=1 on the single-artifact endpoint returns it all.
func artifactSummary(a artifacts.Artifact) map[string]interface{} {
	content := a.Content
	if len(content) > 200 {
		content = content[:200] + "…"
	}
	return map[string]interface{}{
		"id":                 a.ID,
		"type":               a.Type,
		"content":            content,
		"created_by":         a.CreatedBy,
		"access_contract_id": a.AccessContract,
		"price":              a.Price,
		"has_standing":       a.HasStanding,
		"can_execute":        a.CanExecute,
		"has_loop":           a.HasLoop,
		"capabilities":       a.Capabilities,
		"size_bytes":         a.SizeBytes,
		"updated_at":         a.UpdatedAt,
	}
}

func pageParams(offsetRaw, limitRaw string) (offset, limit int) {
	offset, _ = strconv.Atoi(offsetRaw)
	if offset < 0 {
		offset = 0
	}
	limit, err := strconv.Atoi(limitRaw)
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return offset, limit
}

func (s *Server) wsID() string {
	return "ws-" + strconv.FormatUint(atomic.AddUint64(&s.nextWS, 1), 10)
}
