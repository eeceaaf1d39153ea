package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"veriBatch/go/internal/batch"
	"veriBatch/go/internal/ledger"
	"veriBatch/go/internal/message"
	"veriBatch/go/internal/prover"
	"veriBatch/go/internal/service"
)

const (
	defaultReceiptLimit = 20
	maxReceiptLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, message.ErrDomain):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownBatch):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBatchBusy):
		return http.StatusConflict
	case errors.Is(err, batch.ErrVerification),
		errors.Is(err, batch.ErrForeignCertificate),
		errors.Is(err, ledger.ErrVerification),
		errors.Is(err, ledger.ErrForeignCertificate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNoArchive):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid input: %v", err)})
}

// POST /batches
func (s *Server) postBatch(w http.ResponseWriter, r *http.Request) {
	tip, err := s.service.OpenBatch(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tip)
}

// POST /batches/{batchID}/messages
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var raw message.RawSubmission
	if err := decodeBody(r, &raw); err != nil {
		badRequest(w, err)
		return
	}
	sub, err := s.domain.Parse(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.SubmitMessage(r.Context(), chi.URLParam(r, "batchID"), sub, r.Header.Get("Idempotency-Key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) postFold(w http.ResponseWriter, r *http.Request) {
	tip, err := s.service.Fold(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) getTip(w http.ResponseWriter, r *http.Request) {
	tip, err := s.service.Tip(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) getSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.service.Steps(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// POST /batches/{batchID}/finalize folds what is pending and submits the
// tip to the ledger. A stale receipt is still a 200.
func (s *Server) postFinalize(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Finalize(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// POST /ledger/process
func (s *Server) postProcess(w http.ResponseWriter, r *http.Request) {
	var cert prover.Certificate
	if err := decodeBody(r, &cert); err != nil {
		badRequest(w, err)
		return
	}
	rec, err := s.service.ProcessCertificate(r.Context(), &cert)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	highest, err := s.service.HighestMessageID(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"highest_message_id": highest})
}

func (s *Server) getReceipts(w http.ResponseWriter, r *http.Request) {
	limit := defaultReceiptLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(w, fmt.Errorf("limit %q", v))
			return
		}
		limit = min(n, maxReceiptLimit)
	}
	receipts, err := s.service.Receipts(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

// POST /messages/validate reports every rule for one message without
// queueing it. message_id is optional.
func (s *Server) postValidate(w http.ResponseWriter, r *http.Request) {
	var raw message.RawSubmission
	if err := decodeBody(r, &raw); err != nil {
		badRequest(w, err)
		return
	}
	if raw.MessageID == "" {
		raw.MessageID = "0"
	}
	sub, err := s.domain.Parse(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": sub.Message,
		"report":  sub.Message.Check(),
	})
}
