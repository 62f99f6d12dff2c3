// Package api exposes the control-plane HTTP surface: scan creation, status
// and result queries, queue cleanup and the project cache.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"scanfleet/internal/config"
	"scanfleet/internal/discovery"
	applog "scanfleet/internal/log"
	"scanfleet/internal/models"
	"scanfleet/internal/queue"
	"scanfleet/internal/ratelimit"
	"scanfleet/internal/results"
	"scanfleet/internal/store"
	"scanfleet/internal/telemetry"
)

// ScanStore is the subset of the Postgres store the API needs.
type ScanStore interface {
	CreateScan(ctx context.Context, scan models.Scan) error
	GetScan(ctx context.Context, id string) (models.Scan, error)
	ListScans(ctx context.Context, limit int) ([]models.Scan, error)
	AppendEvent(ctx context.Context, scanID, event, detail string) error
}

// Discoverer launches repository discovery for a freshly created scan.
type Discoverer interface {
	Run(ctx context.Context, scan models.Scan)
}

// Server wires HTTP handlers for the control plane.
type Server struct {
	cfg        config.Config
	scans      ScanStore
	queue      *queue.Queue
	results    *results.Store
	cache      *discovery.Cache
	limiter    *ratelimit.Limiter
	discoverer Discoverer
	logger     *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, scans ScanStore, q *queue.Queue, res *results.Store, cache *discovery.Cache, limiter *ratelimit.Limiter, disc Discoverer, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		scans:      scans,
		queue:      q,
		results:    res,
		cache:      cache,
		limiter:    limiter,
		discoverer: disc,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireSecretKey)
		r.Post("/scans", s.handleCreateScan)
		r.Get("/scans", s.handleListScans)
		r.Get("/scans/{id}/status", s.handleScanStatus)
		r.Get("/scans/{id}/results", s.handleScanResults)
		r.Delete("/queue", s.handleCleanupQueue)
		r.Get("/projects/cache", s.handleCacheList)
		r.Delete("/projects/cache", s.handleCachePurge)
	})
	return r
}

// requireSecretKey rejects requests without the shared secret. The compare
// is constant-time.
func (s *Server) requireSecretKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("API-SECRET-KEY")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APISecretKey)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createScanRequest struct {
	models.ScanConfig
	// RuleFiles maps filename to rule content, handed to scanners that
	// accept custom rules.
	RuleFiles map[string]string `json:"rule_files,omitempty"`
}

type createScanResponse struct {
	ScanID string `json:"scan_id"`
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	caller := callerFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), caller)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := req.ScanConfig.Validate(); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": verr.Reason,
				"field": verr.Field,
			})
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	scan := models.Scan{
		ID:        models.NewScanID(time.Now()),
		Config:    req.ScanConfig,
		CreatedAt: time.Now().UTC(),
		Discovery: models.DiscoveryRunning,
	}
	if len(req.RuleFiles) > 0 {
		if err := s.results.PutRules(r.Context(), scan.ID, req.RuleFiles); err != nil {
			http.Error(w, "store rule files failed", http.StatusInternalServerError)
			return
		}
	}
	if err := s.scans.CreateScan(r.Context(), scan); err != nil {
		s.logger.Error("create scan", "error", err)
		// Rules were stored first; do not leave them orphaned.
		if len(req.RuleFiles) > 0 {
			_ = s.results.DeleteRules(r.Context(), scan.ID)
		}
		http.Error(w, "create scan failed", http.StatusInternalServerError)
		return
	}
	_ = s.scans.AppendEvent(r.Context(), scan.ID, "created", "caller="+caller)
	telemetry.ScansStarted.Inc()

	// Discovery outlives the request.
	discCtx := applog.ContextAttrs(context.Background(),
		slog.String("scan_id", scan.ID),
		slog.String("caller", caller))
	go s.discoverer.Run(discCtx, scan)

	writeJSON(w, http.StatusAccepted, createScanResponse{ScanID: scan.ID})
}

type listScanEntry struct {
	models.Scan
	Status string `json:"status"`
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.scans.ListScans(r.Context(), 100)
	if err != nil {
		http.Error(w, "list scans failed", http.StatusInternalServerError)
		return
	}
	entries := make([]listScanEntry, 0, len(scans))
	for _, scan := range scans {
		counts, err := s.queue.Counts(r.Context(), scan.ID)
		if err != nil {
			http.Error(w, "count jobs failed", http.StatusInternalServerError)
			return
		}
		entries = append(entries, listScanEntry{Scan: scan, Status: models.ScanStatus(scan.Discovery, counts)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": entries})
}

type scanStatusResponse struct {
	ScanID             string                 `json:"scan_id"`
	Status             string                 `json:"status"`
	Discovery          models.DiscoveryStatus `json:"discovery"`
	DiscoveryError     string                 `json:"discovery_error,omitempty"`
	ProjectsDiscovered int                    `json:"projects_discovered"`
	Jobs               models.JobCounts       `json:"jobs"`
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	scan, err := s.scans.GetScan(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get scan failed", http.StatusInternalServerError)
		return
	}
	counts, err := s.queue.Counts(r.Context(), id)
	if err != nil {
		http.Error(w, "count jobs failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scanStatusResponse{
		ScanID:             scan.ID,
		Status:             models.ScanStatus(scan.Discovery, counts),
		Discovery:          scan.Discovery,
		DiscoveryError:     scan.DiscoveryError,
		ProjectsDiscovered: scan.ProjectsDiscovered,
		Jobs:               counts,
	})
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.scans.GetScan(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "scan not found", http.StatusNotFound)
			return
		}
		http.Error(w, "get scan failed", http.StatusInternalServerError)
		return
	}
	f := results.Filter{
		Project: r.URL.Query().Get("project"),
		Scanner: r.URL.Query().Get("scan"),
		Query:   r.URL.Query().Get("query"),
	}
	res, err := s.results.Query(r.Context(), id, f)
	if err != nil {
		http.Error(w, "query results failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCleanupQueue drops queued and in-flight jobs. ?scan=<id> targets one
// scan, ?scan=all empties the whole queue. Terminal jobs and stored results
// are untouched.
func (s *Server) handleCleanupQueue(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("scan")
	if target == "" {
		http.Error(w, "scan parameter is required", http.StatusBadRequest)
		return
	}

	var removed int
	var err error
	if target == "all" {
		removed, err = s.queue.CleanupAll(r.Context())
	} else {
		removed, err = s.queue.CleanupScan(r.Context(), target)
		if err == nil {
			_ = s.scans.AppendEvent(r.Context(), target, "cleanup", "queue cleanup requested via API")
		}
	}
	if err != nil {
		http.Error(w, "cleanup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cache.Entries(r.Context())
	if err != nil {
		http.Error(w, "list cache failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []discovery.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	purged, err := s.cache.Purge(r.Context())
	if err != nil {
		http.Error(w, "purge cache failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Caller-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
