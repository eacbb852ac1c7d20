package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"printerwatch/internal/config"
	"printerwatch/internal/model"
	"printerwatch/internal/normalize"
)

// RESTServer queues observations posted over HTTP. Unlike POST /printers on
// the API it does not wait for the result.
type RESTServer struct {
	sink Sink
}

func NewRESTServer(sink Sink) *RESTServer {
	return &RESTServer{sink: sink}
}

func StartREST(ctx context.Context, cfg *config.Manager, sink Sink) *http.Server {
	logger := sink.logger()
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		logger.Info("rest ingest disabled")
		return nil
	}
	logger.Info("rest ingest enabled", "addr", current.Addr)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTServer(sink).Handler(),
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
			logger.Error("rest ingest server error", "err", err)
		}
	}()
	return httpServer
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/observations", s.handleObservations)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// handleObservations accepts one payload or an array of them. A single
// invalid payload is a 400 with its reason; in a batch invalid items are
// counted and skipped.
func (s *RESTServer) handleObservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": normalize.ReasonInvalidJSON})
		return
	}
	items, err := SplitJSON(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": normalize.ReasonInvalidJSON})
		return
	}
	accepted, failed, dropped := 0, 0, 0
	for _, item := range items {
		obs, err := normalize.ParseObservation(item)
		if err != nil {
			s.sink.Reject(SourceREST, err)
			var ve model.ValidationError
			if len(items) == 1 && errors.As(err, &ve) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Reason})
				return
			}
			failed++
			continue
		}
		obs.Source = SourceREST
		if !SendNonBlocking(r.Context(), s.sink.Out, obs, s.sink.logger()) {
			dropped++
			continue
		}
		accepted++
	}
	status := http.StatusAccepted
	if accepted == 0 && dropped > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]int{
		"accepted": accepted,
		"failed":   failed,
		"dropped":  dropped,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
