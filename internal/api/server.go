package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/fetch"
	"ecomsimply/internal/infra/redisq"
	"ecomsimply/internal/metrics"
	"ecomsimply/internal/schedule"
	"ecomsimply/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Orchestrator is the publication surface the API drives.
type Orchestrator interface {
	Enqueue(ctx context.Context, p domain.Product, storeID string, priority int, opts domain.TaskOptions) (string, error)
	GetTask(id string) (domain.PublishTask, error)
	Recent(limit int) []domain.PublishTask
	Stats() usecase.Stats
	Health(ctx context.Context) usecase.Health
}

type SlotPlanner interface {
	State(storeID string, at time.Time) schedule.StoreState
	Stores() []string
}

type Fetcher interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

type DeadLetterReader interface {
	DeadLetters(ctx context.Context, count int64) ([]redisq.DeadLetter, error)
}

type Deps struct {
	Orchestrator   Orchestrator
	Planner        SlotPlanner
	Fetcher        Fetcher
	DeadLetters    DeadLetterReader
	Metrics        *metrics.Metrics
	Hub            *Hub
	AllowedOrigins []string
	Clock          func() time.Time
}

type publishReq struct {
	StoreID        string            `json:"store_id"`
	StoreIDs       []string          `json:"store_ids"`
	Product        domain.Product    `json:"product"`
	Priority       int               `json:"priority"`
	MarketPrices   []decimal.Decimal `json:"market_prices"`
	CompetitorURLs []string          `json:"competitor_urls"`
	Metadata       map[string]string `json:"metadata"`
}

type publishResp struct {
	TaskIDs     []string `json:"task_ids"`
	Error       string   `json:"error,omitempty"`
	FailedStore string   `json:"failed_store,omitempty"`
}

type fetchResp struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	FromCache  bool   `json:"from_cache"`
	Proxy      string `json:"proxy,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Bytes      int    `json:"bytes"`
	Error      string `json:"error,omitempty"`
}

type Server struct {
	router  *chi.Mux
	deps    Deps
	now     func() time.Time
	origins []string
}

func NewServer(d Deps) *Server {
	s := &Server{router: chi.NewRouter(), deps: d, now: d.Clock, origins: d.AllowedOrigins}
	if s.now == nil {
		s.now = time.Now
	}

	r := s.router
	r.Post("/publications", s.createPublications)
	r.Get("/publications", s.listPublications)
	r.Get("/publications/{id}", s.getPublication)
	r.Get("/stats", s.stats)
	r.Get("/health", s.health)
	r.Get("/stores/{store_id}/next-slot", s.nextSlot)
	if d.Fetcher != nil {
		r.Get("/fetch", s.fetch)
	}
	if d.DeadLetters != nil {
		r.Get("/dead-letters", s.deadLetters)
	}
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	if d.Hub != nil {
		r.Method(http.MethodGet, "/ws", d.Hub)
	}
	return s
}

// Handler returns the router wrapped in the middleware stack.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		realIPHandler,
		requestIDHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool {
			return r.URL.Path == "/health" || r.URL.Path == "/metrics"
		}),
		recoverHandler,
		corsHandler(s.origins),
	)
}

// Run serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("server serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen and serve: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}

func (s *Server) createPublications(w http.ResponseWriter, r *http.Request) {
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	stores := req.StoreIDs
	if req.StoreID != "" {
		stores = append([]string{req.StoreID}, stores...)
	}
	if len(stores) == 0 {
		writeError(w, http.StatusBadRequest, "store_id or store_ids is required")
		return
	}

	stores = dedupe(stores)
	known := s.deps.Planner.Stores()
	for _, storeID := range stores {
		if !contains(known, storeID) {
			writeDomainError(w, fmt.Errorf("%w: %s", domain.ErrUnknownStore, storeID))
			return
		}
	}
	if err := req.Product.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}

	opts := domain.TaskOptions{
		MarketPrices:   req.MarketPrices,
		CompetitorURLs: req.CompetitorURLs,
		Metadata:       req.Metadata,
	}
	resp := publishResp{TaskIDs: make([]string, 0, len(stores))}
	for _, storeID := range stores {
		id, err := s.deps.Orchestrator.Enqueue(r.Context(), req.Product, storeID, req.Priority, opts)
		if err != nil {
			// Tasks already queued stay queued; report them with the failure.
			writeJSON(w, domainStatus(err), publishResp{TaskIDs: resp.TaskIDs, Error: err.Error(), FailedStore: storeID})
			return
		}
		resp.TaskIDs = append(resp.TaskIDs, id)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) listPublications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Recent(limit))
}

func (s *Server) getPublication(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Orchestrator.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Stats())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Orchestrator.Health(r.Context())
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) nextSlot(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "store_id")
	if !contains(s.deps.Planner.Stores(), storeID) {
		writeDomainError(w, fmt.Errorf("%w: %s", domain.ErrUnknownStore, storeID))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Planner.State(storeID, s.now()))
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	resp, err := s.deps.Fetcher.Get(r.Context(), u)
	out := fetchResp{URL: u}
	if resp != nil {
		out.StatusCode = resp.StatusCode
		out.FromCache = resp.FromCache
		out.Proxy = resp.Proxy
		out.Attempts = resp.Attempts
		out.DurationMs = resp.Duration.Milliseconds()
		out.Bytes = len(resp.Body)
	}
	if err != nil {
		out.Error = err.Error()
		var fe *fetch.Error
		if errors.As(err, &fe) {
			out.Attempts = fe.Attempts
		}
		writeJSON(w, http.StatusBadGateway, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.deps.DeadLetters.DeadLetters(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dls)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, domainStatus(err), err.Error())
}

func domainStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownStore), errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidProduct), errors.Is(err, domain.ErrInvalidStoreType):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
