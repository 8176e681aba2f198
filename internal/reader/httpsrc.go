package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tagauth/tagauthd/internal/config"
)

// pushBody is the JSON document a networked reader POSTs on each read.
type pushBody struct {
	UID string `json:"UID"`
}

// HTTPPush accepts UID reports pushed over HTTP: networked readers POST
// {"UID": "..."} on every read cycle. Presence is last-report plus the
// configured inactivity window, same as the serial backend.
type HTTPPush struct {
	cfg    config.HTTPReaderConfig
	sink   Sink
	logger *slog.Logger
	pres   *presence
}

// NewHTTPPush creates the HTTP push backend.
func NewHTTPPush(cfg config.HTTPReaderConfig, sink Sink, log *slog.Logger) *HTTPPush {
	return &HTTPPush{
		cfg:    cfg,
		sink:   sink,
		logger: logger(log, BackendHTTP),
		pres:   newPresence(),
	}
}

// Name returns the backend name.
func (h *HTTPPush) Name() string { return BackendHTTP }

// Run serves the push endpoint and emits snapshots until ctx ends.
func (h *HTTPPush) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handlePush)

	srv := &http.Server{
		Addr:              h.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	h.logger.Info("http push source listening", slog.String("addr", h.cfg.Addr))

	ticker := time.NewTicker(h.cfg.ReadEvery)
	defer ticker.Stop()

	em := newEmitter(h.sink, BackendHTTP)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = srv.Shutdown(shutdownCtx)
			<-errCh

			return ctx.Err()

		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("http push source: %w", err)
			}

			return nil

		case <-ticker.C:
			em.emit(h.pres.Snapshot())
		}
	}
}

// handlePush records one pushed UID report.
func (h *HTTPPush) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body pushBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	u := normalizeLine(body.UID)
	if u == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	h.pres.Touch(u, h.cfg.InactiveTimeout)
	w.WriteHeader(http.StatusOK)
}
