package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	apppipeline "github.com/bryanwahyu/automaton-vision/internal/application/pipeline"
	domain "github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
	"github.com/bryanwahyu/automaton-vision/internal/middleware"
	"github.com/bryanwahyu/automaton-vision/internal/retry"
)

const (
	// event bodies may carry a base64 image inline
	maxEventBody = 32 << 20

	rateCapacity     = 30
	rateRefillPerSec = 10
)

var errBadRequest = errors.New("bad request")

type Router struct {
	svc    *apppipeline.Service
	source domain.SourceStore
	logger *zap.Logger
}

func NewRouter(
	svc *apppipeline.Service,
	source domain.SourceStore,
	checkers map[string]middleware.HealthChecker,
	apiKey string,
	logger *zap.Logger,
) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{svc: svc, source: source, logger: logger}

	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	mux.Use(middleware.RequestLogging(logger))
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(middleware.APIKeyAuth(apiKey))

	mux.Get("/health", middleware.HealthHandler(checkers))
	mux.Get("/ready", middleware.ReadinessHandler)
	mux.Get("/live", middleware.LivenessHandler)
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Route("/v1", func(rt chi.Router) {
		rt.Use(middleware.RateLimitMiddleware(rateCapacity, rateRefillPerSec))
		rt.Post("/events", r.wrap(r.handleEvent))
		rt.Get("/runs/latest", r.wrap(r.handleLatest))
		rt.Get("/runs/{id}", r.wrap(r.handleGet))
		rt.Get("/summary", r.wrap(r.handleSummary))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				r.logger.Error("request failed", zap.String("path", req.URL.Path), zap.Error(err))
			}
			http.Error(w, err.Error(), status)
		}
	}
}

// statusFor maps the error taxonomy onto HTTP statuses: caller mistakes
// are 4xx, inputs the pipeline permanently rejects are 422, anything a
// redelivery might fix is 503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidResponse),
		errors.Is(err, domain.ErrAuthentication),
		errors.Is(err, domain.ErrStorageAccessDenied):
		return http.StatusUnprocessableEntity
	case domain.IsTransient(err), errors.Is(err, retry.ErrExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// POST /v1/events
// Body: {"bucket", "key", "content_type", "payload_b64", "delivery_id"}.
// Without payload_b64 the image is fetched from the source bucket. The
// call is synchronous: the response carries the finished run row.
func (r *Router) handleEvent(w http.ResponseWriter, req *http.Request) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxEventBody)

	var body struct {
		Bucket      string `json:"bucket"`
		Key         string `json:"key"`
		ContentType string `json:"content_type"`
		PayloadB64  string `json:"payload_b64"`
		DeliveryID  string `json:"delivery_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := middleware.ValidateBucket(body.Bucket); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := middleware.ValidateObjectKey(body.Key); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := middleware.ValidateDeliveryID(body.DeliveryID); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	evt := domain.ImageEvent{
		Bucket:      body.Bucket,
		Key:         body.Key,
		ContentType: body.ContentType,
		DeliveryID:  body.DeliveryID,
	}
	if body.PayloadB64 != "" {
		payload, err := base64.StdEncoding.DecodeString(body.PayloadB64)
		if err != nil {
			return fmt.Errorf("%w: payload_b64: %v", errBadRequest, err)
		}
		evt.Payload = payload
	} else {
		payload, contentType, err := r.source.Fetch(req.Context(), body.Bucket, body.Key)
		if err != nil {
			return err
		}
		evt.Payload = payload
		if evt.ContentType == "" {
			evt.ContentType = contentType
		}
	}

	middleware.IncrementRuns()
	run, err := r.svc.Process(req.Context(), evt)
	if errors.Is(err, domain.ErrDuplicateDelivery) {
		middleware.IncrementRunsDuplicate()
		return writeJSON(w, http.StatusOK, map[string]string{
			"status":      "duplicate",
			"delivery_id": body.DeliveryID,
		})
	}
	if err != nil {
		middleware.IncrementRunsFailed()
		// The run row tells the caller which stage died and why.
		return writeJSON(w, statusFor(err), run)
	}
	middleware.IncrementRunsCompleted()
	return writeJSON(w, http.StatusOK, run)
}

// GET /v1/runs/latest?limit=20
func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) error {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	limit = middleware.ValidateLimit(limit)

	list, err := r.svc.Latest(req.Context(), limit)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/runs/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateRunID(id); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	run, err := r.svc.Run(req.Context(), domain.RunID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, run)
}

// GET /v1/summary?days=7
func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) error {
	days, _ := strconv.Atoi(req.URL.Query().Get("days"))
	days = middleware.ValidateDays(days)

	summary, err := r.svc.Summary(req.Context(), days)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, summary)
}
