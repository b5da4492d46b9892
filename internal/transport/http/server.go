package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"fleet-monitor/safety/internal/classifier"
	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/ingest"
	"fleet-monitor/safety/internal/metrics"
)

const (
	wsPath       = "/ws/vehicle_data"
	maxBodyBytes = 1 << 20

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type Classifier interface {
	Classify(ctx context.Context, sample domain.TelemetrySample) (classifier.Result, error)
}

type StateReader interface {
	Get(vehicleID string) (domain.VehicleState, bool)
	Snapshot() []domain.VehicleState
	Alarmed() bool
}

type DecisionLog interface {
	ForVehicle(vehicleID string) []domain.DecisionRecord
}

type IncidentHistory interface {
	IncidentHistory(ctx context.Context, vehicleID string, limit int) ([]domain.StateChangeEvent, error)
}

type Options struct {
	Normalizer *ingest.Normalizer
	Classifier Classifier
	State      StateReader
	Decisions  DecisionLog
	// History is nil when persistence is disabled.
	History IncidentHistory
	// Observers serves the websocket subscription endpoint.
	Observers http.Handler
	Auth      *AuthMiddleware
	Limiter   *RateLimiter
	Logger    *slog.Logger
}

type Server struct {
	opts   Options
	router *mux.Router
}

func NewServer(opts Options) *Server {
	if opts.Normalizer == nil {
		opts.Normalizer = ingest.NewNormalizer()
	}
	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	var ingestHandler http.Handler = http.HandlerFunc(s.handleVehicleUpdate)
	if s.opts.Limiter != nil {
		ingestHandler = s.opts.Limiter.Wrap(ingestHandler)
	}
	if s.opts.Auth != nil {
		ingestHandler = s.opts.Auth.Wrap(ingestHandler)
	}
	s.router.Handle("/v1/vehicle/update", ingestHandler).Methods(http.MethodPost)

	s.router.HandleFunc("/v1/vehicles", s.handleListVehicles).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/vehicles/{vehicle_id}", s.handleGetVehicle).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/decisions/{vehicle_id}", s.handleDecisions).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/incidents/{vehicle_id}", s.handleIncidents).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	if s.opts.Observers != nil {
		s.router.Handle(wsPath, s.opts.Observers).Methods(http.MethodGet)
	}

	s.router.Use(loggingMiddleware(s.opts.Logger))
}

func (s *Server) Router() *mux.Router {
	return s.router
}

type transitionView struct {
	Category  domain.Category `json:"category"`
	OldStatus domain.Status   `json:"old_status"`
	NewStatus domain.Status   `json:"new_status"`
	Sequence  uint64          `json:"sequence"`
	EventID   string          `json:"event_id"`
}

type updateResponse struct {
	VehicleID   string                            `json:"vehicle_id"`
	ReceivedAt  time.Time                         `json:"received_at"`
	Sequence    uint64                            `json:"sequence"`
	Statuses    map[domain.Category]domain.Status `json:"statuses"`
	Transitions []transitionView                  `json:"transitions"`
}

func (s *Server) handleVehicleUpdate(w http.ResponseWriter, r *http.Request) {
	var p ingest.Payload
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&p); err != nil {
		field, msg := "body", "invalid JSON"
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			field = typeErr.Field
			msg = "expected " + typeErr.Type.String()
		}
		metrics.ValidationFailures.WithLabelValues(field).Inc()
		respondError(w, http.StatusBadRequest, CodeValidation, field, msg)
		return
	}

	sample, err := s.opts.Normalizer.Normalize(p)
	if err != nil {
		var ve *ingest.ValidationError
		if errors.As(err, &ve) {
			metrics.ValidationFailures.WithLabelValues(ve.Field).Inc()
		}
		writeError(w, err)
		return
	}

	res, err := s.opts.Classifier.Classify(r.Context(), sample)
	if err != nil {
		s.opts.Logger.Error("vehicle update failed",
			"vehicle_id", sample.VehicleID,
			"error", err,
		)
		writeError(w, err)
		return
	}
	metrics.SamplesReceived.Inc()

	out := updateResponse{
		VehicleID:   res.State.VehicleID,
		ReceivedAt:  sample.ReceivedAt,
		Sequence:    res.State.Sequence,
		Statuses:    res.State.Statuses(),
		Transitions: make([]transitionView, 0, len(res.Events)),
	}
	for _, e := range res.Events {
		out.Transitions = append(out.Transitions, transitionView{
			Category:  e.Category,
			OldStatus: e.OldStatus,
			NewStatus: e.NewStatus,
			Sequence:  e.Sequence,
			EventID:   e.ID,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"vehicles": s.opts.State.Snapshot(),
	})
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["vehicle_id"]
	vs, ok := s.opts.State.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, CodeNotFound, "vehicle_id", "unknown vehicle "+id)
		return
	}
	respondJSON(w, http.StatusOK, vs)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["vehicle_id"]
	var recs []domain.DecisionRecord
	if s.opts.Decisions != nil {
		recs = s.opts.Decisions.ForVehicle(id)
	}
	if recs == nil {
		recs = []domain.DecisionRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"vehicle_id": id,
		"decisions":  recs,
	})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		respondError(w, http.StatusNotImplemented, CodeNotAvailable, "", "incident history requires persistence")
		return
	}

	id := mux.Vars(r)["vehicle_id"]
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			respondError(w, http.StatusBadRequest, CodeValidation, "limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := s.opts.History.IncidentHistory(r.Context(), id, limit)
	if err != nil {
		s.opts.Logger.Error("incident history failed", "vehicle_id", id, "error", err)
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.StateChangeEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"vehicle_id": id,
		"incidents":  events,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.State.Alarmed() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "alarm"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
