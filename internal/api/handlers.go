package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/idempotency"
	"github.com/Spot-Canvas/copytrade/internal/repair"
)

// IdempotencyHeader carries a caller-chosen key for mutating requests.
const IdempotencyHeader = "Idempotency-Key"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil || s.repo.Ping(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  "database unreachable",
		})
		return
	}

	if s.nc != nil && !s.nc.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  "NATS disconnected",
		})
		return
	}

	// The cache is best-effort; the service keeps working without it.
	status := "ok"
	if s.cache != nil && s.cache.Ping(r.Context()) != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleGetMasterOrder(w http.ResponseWriter, r *http.Request) {
	m, err := s.repo.GetMasterOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	s.idempotent(w, r, "replicate", orderID, nil, func(ctx context.Context) (any, error) {
		m, err := s.repo.GetMasterOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return s.pipeline.ReplicateMasterOrder(ctx, m)
	})
}

func (s *Server) handlePropagate(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	m, err := s.repo.GetMasterOrder(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// A derived key covers the master's current state so later updates still propagate.
	state := map[string]any{"status": m.OrderStatus, "stop_loss": m.StopLoss, "take_profit": m.TakeProfit}
	s.idempotent(w, r, "propagate", orderID, state, func(ctx context.Context) (any, error) {
		return s.pipeline.PropagateMasterOrderUpdate(ctx, m)
	})
}

func (s *Server) handleSettleFee(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	s.idempotent(w, r, "settle_fee", orderID, nil, func(ctx context.Context) (any, error) {
		return s.fees.Settle(ctx, orderID)
	})
}

func (s *Server) handleRepairAccount(w http.ResponseWriter, r *http.Request) {
	accountType, err := domain.ParseAccountType(chi.URLParam(r, "accountType"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountId"), 10, 64)
	if err != nil || accountID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	ref := domain.AccountRef{Type: accountType, ID: accountID}

	var report *repair.Report
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "indices":
		report, err = s.repair.RepairAccountIndices(r.Context(), ref)
	case "rebuild":
		report, err = s.repair.RebuildAccountFromLedger(r.Context(), ref)
	default:
		writeError(w, http.StatusBadRequest, "invalid mode: must be indices or rebuild")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRepairHolders(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}
	report, err := s.repair.RepairSymbolHolders(r.Context(), symbol)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// IdempotencyRequest is the body of the idempotency endpoints.
type IdempotencyRequest struct {
	Key        string          `json:"key"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func decodeIdempotency(w http.ResponseWriter, r *http.Request) (IdempotencyRequest, bool) {
	var req IdempotencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return req, false
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "missing required field: key")
		return req, false
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return req, false
	}
	return req, true
}

func (s *Server) handleIdempotencyCheck(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeIdempotency(w, r)
	if !ok {
		return
	}
	res, err := s.guard.Check(r.Context(), req.Key, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIdempotencyComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeIdempotency(w, r)
	if !ok {
		return
	}
	var response any
	if len(req.Response) > 0 {
		response = req.Response
	}
	if err := s.guard.MarkCompleted(r.Context(), req.Key, response); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.IdempotencyCompleted)})
}

func (s *Server) handleIdempotencyFail(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeIdempotency(w, r)
	if !ok {
		return
	}
	if err := s.guard.MarkFailed(r.Context(), req.Key, errors.New(req.Error)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.IdempotencyFailed)})
}

// idempotent runs fn at most once per key. The key comes from the
// Idempotency-Key header or is derived from the operation and its subject.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, op, subject string, state any, fn func(context.Context) (any, error)) {
	key := r.Header.Get(IdempotencyHeader)
	if key != "" {
		key = op + ":" + key
	} else {
		var err error
		if key, err = idempotency.Key(op, subject, state); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	body, err := s.guard.Do(r.Context(), key, 0, fn)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, domain.FailureReason(err))
	case errors.Is(err, idempotency.ErrInProgress):
		writeError(w, http.StatusConflict, "operation already in progress")
	case errors.Is(err, domain.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, err.Error())
	case domain.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "ledger busy, retry later")
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
