package api

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

	"printerwatch/internal/config"
	"printerwatch/internal/engine"
	"printerwatch/internal/events"
	"printerwatch/internal/logging"
	"printerwatch/internal/metrics"
	"printerwatch/internal/model"
	"printerwatch/internal/normalize"
)

const (
	corsAllowHeaders = "Content-Type,Authorization,X-Api-Key,X-Amz-Date,X-Amz-Security-Token"
	corsAllowMethods = "GET,OPTIONS,POST"
	maxBodyBytes     = 1 << 20
)

// Engine is what the API needs from the detection engine.
type Engine interface {
	HandleRaw(ctx context.Context, raw []byte, source, messageKey string) (model.Outcome, error)
	List(ctx context.Context) ([]model.DeviceProfile, error)
	Get(ctx context.Context, id string) (model.DeviceProfile, error)
	Provision(ctx context.Context, p model.DeviceProfile) (model.DeviceProfile, error)
	Stats() engine.Stats
	StoreDriver() string
}

type Options struct {
	Version string
	Events  *events.Store
	// Live serves the websocket event feed; nil disables /ws/events.
	Live    http.Handler
	Metrics *metrics.Collectors
	Logger  *slog.Logger
}

type Server struct {
	cfg     *config.Manager
	engine  Engine
	events  *events.Store
	live    http.Handler
	metrics *metrics.Collectors
	logger  *slog.Logger
	version string
	router  *mux.Router
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Storage    string       `json:"storage"`
	Ingest     ingestStatus `json:"ingest"`
	Dispatch   string       `json:"dispatch"`
	EventTopic string       `json:"event_topic"`
	Engine     engine.Stats `json:"engine"`
}

type ingestStatus struct {
	MQTT      bool `json:"mqtt"`
	Kafka     bool `json:"kafka"`
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
}

type processedResponse struct {
	Status string `json:"status"`
	model.Outcome
}

func NewServer(cfg *config.Manager, eng Engine, opts Options) *Server {
	if cfg == nil {
		cfg = config.NewStaticManager(nil)
	}
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		events:  opts.Events,
		live:    opts.Live,
		metrics: opts.Metrics,
		logger:  logging.OrDiscard(opts.Logger),
		version: opts.Version,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.cors, s.instrument)

	r.HandleFunc("/printers", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/printers", s.handleObservation).Methods(http.MethodPost)
	r.HandleFunc("/printers", s.handlePreflight).Methods(http.MethodOptions)
	r.HandleFunc("/printers/{id}", s.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/printers/{id}", s.handlePutProfile).Methods(http.MethodPut)
	r.HandleFunc("/printers/{id}", s.handlePreflight).Methods(http.MethodOptions)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	if s.live != nil {
		r.Handle("/ws/events", s.live).Methods(http.MethodGet)
	}
	return r
}

// Start serves the API until ctx ends. It returns nil when the API is
// disabled.
func Start(ctx context.Context, cfg *config.Manager, srv *Server, logger *slog.Logger) *http.Server {
	logger = logging.OrDiscard(logger)
	current := cfg.Get().API
	if !current.Enabled {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", "addr", current.Addr)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil || r.URL.Path == "/ws/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.HTTP(r.Method, route, rec.status, time.Since(start))
	})
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.engine.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(normalize.ReasonInvalidJSON))
		return
	}
	out, err := s.engine.HandleRaw(r.Context(), body, "http", r.Header.Get("Idempotency-Key"))
	if errors.Is(err, model.ErrDispatch) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "event publish failed",
			"outcome": out,
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, processedResponse{Status: "processed", Outcome: out})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var p model.DeviceProfile
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(normalize.ReasonInvalidJSON))
		return
	}
	p.PrinterID = mux.Vars(r)["id"]
	saved, err := s.engine.Provision(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []model.Event{}, "count": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	var list []model.Event
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("since must be RFC3339"))
			return
		}
		list = s.events.Since(ts)
	} else {
		list = s.events.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
		"total":  s.events.Total(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage:    s.engine.StoreDriver(),
		Ingest: ingestStatus{
			MQTT:      cfg.Ingest.MQTT.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
		},
		Dispatch:   cfg.Dispatch.Transport,
		EventTopic: cfg.Dispatch.Topic,
		Engine:     s.engine.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps engine errors onto status codes. Store failures are logged
// but their text is not returned.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		ve model.ValidationError
		nf model.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody(ve.Reason))
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorBody(nf.Error()))
	case errors.Is(err, model.ErrStore):
		s.logger.Error("store failure", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody("store unavailable"))
	case errors.Is(err, context.Canceled):
		w.WriteHeader(499)
	default:
		s.logger.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
