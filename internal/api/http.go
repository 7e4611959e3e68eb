package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netsentry/netsentry/internal/buffer"
	"github.com/netsentry/netsentry/internal/federation"
	"github.com/netsentry/netsentry/internal/rules"
	"github.com/netsentry/netsentry/internal/store"
)

// maxInboundBody bounds inbound federation message bodies.
const maxInboundBody = 1 << 20

// Server exposes the engine's HTTP surface: health, metrics, detected
// correlations, and the inbound federation endpoint.
type Server struct {
	store         *store.MemoryStore
	buf           *buffer.Buffer
	registry      *rules.Registry
	gateway       *federation.Gateway
	minConfidence float64
	logger        *slog.Logger
}

// NewServer creates the HTTP API. gateway may be nil when federation is
// disabled; the inbound endpoint then answers 503.
func NewServer(memStore *store.MemoryStore, buf *buffer.Buffer, registry *rules.Registry, gateway *federation.Gateway, minConfidence float64, logger *slog.Logger) *Server {
	return &Server{
		store:         memStore,
		buf:           buf,
		registry:      registry,
		gateway:       gateway,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/correlations", s.handleCorrelations).Methods(http.MethodGet)
	r.HandleFunc("/correlations/{id}", s.handleCorrelationByID).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/federation/messages", s.handleFederationInbound).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCorrelations lists stored correlations at or above a confidence
// threshold. The threshold defaults to the configured minimum and can be
// overridden (including to 0) with ?min_confidence=.
func (s *Server) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	threshold := s.minConfidence
	if raw := r.URL.Query().Get("min_confidence"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid min_confidence"})
			return
		}
		threshold = parsed
	}

	correlations := s.store.MinConfidence(threshold)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlations": correlations,
		"count":        len(correlations),
	})
}

func (s *Server) handleCorrelationByID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c := s.store.ByID(id)
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "correlation not found"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": s.registry.All(),
		"count": s.registry.Len(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	bucketCount, eventCount := s.buf.Stats()
	stats := s.store.Stats()
	stats["buffer_buckets"] = bucketCount
	stats["buffer_events"] = eventCount
	stats["rules_loaded"] = s.registry.Len()
	writeJSON(w, http.StatusOK, stats)
}

// handleFederationInbound receives peer messages. 202 on ingest, 400 for
// malformed bodies, 401 for signature failures.
func (s *Server) handleFederationInbound(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "federation disabled"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	c, err := s.gateway.HandleInbound(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, federation.ErrInvalidSignature):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		case errors.Is(err, federation.ErrMalformedMessage):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			s.logger.Error("Federation ingest failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": c.ID})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
