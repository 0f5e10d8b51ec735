package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp/syntax"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/sourcesync/internal/fetch"
	"github.com/kalambet/sourcesync/internal/operation"
	"github.com/kalambet/sourcesync/internal/retrieval"
	"github.com/kalambet/sourcesync/internal/scheduler"
	"github.com/kalambet/sourcesync/internal/source"
	"github.com/kalambet/sourcesync/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Store is the persistence the API reads from and writes data sources to.
type Store interface {
	CreateDataSource(ctx context.Context, ds storage.DataSource) error
	GetDataSource(ctx context.Context, id string) (storage.DataSource, error)
	ListDataSources(ctx context.Context, limit, offset int) ([]storage.DataSource, error)
	GetOperation(ctx context.Context, id string) (storage.IndexOperation, error)
	ListOperations(ctx context.Context, dataSourceID string, limit int) ([]storage.IndexOperation, error)
}

// Syncer runs the sync and crawl operations.
type Syncer interface {
	Sync(ctx context.Context, dataSourceID string, manual bool) (storage.DataSource, error)
	Crawl(ctx context.Context, dataSourceID, rawURL, pathRegex string, meta map[string]any) (storage.IndexOperation, error)
}

// Searcher runs semantic search over the index.
type Searcher interface {
	Retrieve(ctx context.Context, query string, topK int, filter retrieval.Filter) ([]retrieval.ContextChunk, error)
}

type AppDeps struct {
	Store    Store
	Syncer   Syncer
	Searcher Searcher // optional; /search returns 503 when nil
	Token    string
	Logger   *slog.Logger
}

// CreateDataSourceRequest is the body of POST /data-sources.
type CreateDataSourceRequest struct {
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata"`
}

// CrawlRequest is the optional body of POST /data-sources/{id}/crawl.
type CrawlRequest struct {
	URL       string         `json:"url"`
	PathRegex string         `json:"pathRegex"`
	Metadata  map[string]any `json:"metadata"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/data-sources", handleCreateDataSource(deps))
		r.Get("/data-sources", handleListDataSources(deps))
		r.Get("/data-sources/{id}", handleGetDataSource(deps))
		r.Post("/data-sources/{id}/sync", handleSync(deps))
		r.Post("/data-sources/{id}/crawl", handleCrawl(deps))
		r.Get("/data-sources/{id}/operations", handleListOperations(deps))
		r.Get("/operations/{id}", handleGetOperation(deps))
		r.Get("/search", handleSearch(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleCreateDataSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateDataSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		ds, err := req.dataSource()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.CreateDataSource(r.Context(), ds); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create data source: %v", err)
			return
		}
		created, err := deps.Store.GetDataSource(r.Context(), ds.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load data source: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func (req CreateDataSourceRequest) dataSource() (storage.DataSource, error) {
	typ := storage.DataSourceType(strings.ToUpper(req.Type))
	switch typ {
	case storage.TypeFile, storage.TypeRemoteFile, storage.TypeWebPage, storage.TypeWebCrawl, storage.TypeYouTube:
	default:
		return storage.DataSource{}, fmt.Errorf("unknown data source type %q", req.Type)
	}
	if req.Name == "" {
		return storage.DataSource{}, errors.New("name is required")
	}
	if typ != storage.TypeFile {
		u, err := url.Parse(req.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return storage.DataSource{}, fmt.Errorf("url must be an absolute http(s) URL, got %q", req.URL)
		}
	}
	if s, ok := req.Metadata[scheduler.MetaSyncSchedule].(string); ok && !scheduler.Schedule(s).Valid() {
		return storage.DataSource{}, fmt.Errorf("unknown sync schedule %q", s)
	}
	return storage.DataSource{
		ID:       uuid.New().String(),
		Type:     typ,
		Name:     req.Name,
		URL:      req.URL,
		Metadata: req.Metadata,
	}, nil
}

func handleListDataSources(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		sources, err := deps.Store.ListDataSources(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list data sources: %v", err)
			return
		}
		if sources == nil {
			sources = []storage.DataSource{}
		}
		writeJSON(w, http.StatusOK, sources)
	}
}

func handleGetDataSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds, err := deps.Store.GetDataSource(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, deps.Logger, "get data source", err)
			return
		}
		writeJSON(w, http.StatusOK, ds)
	}
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// A client hanging up must not abandon a half-run sync.
		ctx := context.WithoutCancel(r.Context())

		ds, err := deps.Syncer.Sync(ctx, chi.URLParam(r, "id"), true)
		if err != nil {
			writeDomainError(w, deps.Logger, "sync", err)
			return
		}
		writeJSON(w, http.StatusOK, ds)
	}
}

func handleCrawl(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		// The body is optional.
		var req CrawlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		ctx := context.WithoutCancel(r.Context())
		op, err := deps.Syncer.Crawl(ctx, chi.URLParam(r, "id"), req.URL, req.PathRegex, req.Metadata)
		if err != nil {
			writeDomainError(w, deps.Logger, "crawl", err)
			return
		}
		writeJSON(w, http.StatusAccepted, op)
	}
}

func handleListOperations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetDataSource(r.Context(), id); err != nil {
			writeDomainError(w, deps.Logger, "list operations", err)
			return
		}
		ops, err := deps.Store.ListOperations(r.Context(), id, parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list operations: %v", err)
			return
		}
		if ops == nil {
			ops = []storage.IndexOperation{}
		}
		writeJSON(w, http.StatusOK, ops)
	}
}

func handleGetOperation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, err := deps.Store.GetOperation(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, deps.Logger, "get operation", err)
			return
		}
		writeJSON(w, http.StatusOK, op)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Searcher == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "search is not available")
			return
		}
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		filter := retrieval.Filter{
			DataSourceID: r.URL.Query().Get("dataSourceId"),
			SourceType:   r.URL.Query().Get("type"),
		}
		chunks, err := deps.Searcher.Retrieve(r.Context(), q, parseIntParam(r, "k", 5, 50), filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if chunks == nil {
			chunks = []retrieval.ContextChunk{}
		}
		writeJSON(w, http.StatusOK, chunks)
	}
}

// writeDomainError maps the typed errors of the sync path onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, action string, err error) {
	var (
		conflict    *operation.ConflictError
		unsupported *source.UnsupportedTypeError
		regexErr    *syntax.Error
		fetchErr    *fetch.FetchError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.As(err, &conflict):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.As(err, &unsupported):
		httpError(w, http.StatusUnprocessableEntity, "unsupported_type", "%v", err)
	case errors.As(err, &regexErr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.As(err, &fetchErr):
		httpError(w, http.StatusBadGateway, "upstream_error", "%v", err)
	default:
		logger.Error(action+" failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s failed: %v", action, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
