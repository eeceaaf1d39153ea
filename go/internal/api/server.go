// Package api exposes the batch service and the ledger over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"veriBatch/go/internal/message"
	"veriBatch/go/internal/metrics"
	"veriBatch/go/internal/service"
)

const maxBodyBytes = 1 << 20

type Server struct {
	httpServer *http.Server
	service    *service.BatchService
	domain     message.Domain
	log        log.Logger
}

func NewServer(addr string, svc *service.BatchService, domain message.Domain, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Root()
	}
	s := &Server{
		service: svc,
		domain:  domain,
		log:     logger.New("module", "api"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBodyBytes))

	handle := func(method, pattern string, h http.HandlerFunc) {
		r.Method(method, pattern, metrics.InstrumentHandler(pattern, h))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.MetricsHandler())

	handle(http.MethodPost, "/batches", s.postBatch)
	handle(http.MethodPost, "/batches/{batchID}/messages", s.postMessage)
	handle(http.MethodPost, "/batches/{batchID}/fold", s.postFold)
	handle(http.MethodGet, "/batches/{batchID}/tip", s.getTip)
	handle(http.MethodGet, "/batches/{batchID}/steps", s.getSteps)
	handle(http.MethodPost, "/batches/{batchID}/finalize", s.postFinalize)
	handle(http.MethodPost, "/ledger/process", s.postProcess)
	handle(http.MethodGet, "/ledger", s.getLedger)
	handle(http.MethodGet, "/ledger/receipts", s.getReceipts)
	handle(http.MethodPost, "/messages/validate", s.postValidate)
	return r
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.log.Info("API server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
