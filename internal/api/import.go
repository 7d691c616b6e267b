package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/Spot-Canvas/copytrade/internal/copytrade"
	"github.com/Spot-Canvas/copytrade/internal/ingest"
)

const maxImport = 1000

// ImportRequest is the request body for POST /api/v1/master-orders/import.
// It backfills master orders that never arrived on the event stream.
type ImportRequest struct {
	Orders []ingest.MasterOrderEvent `json:"orders"`
}

// ImportResult holds the result of a single master order import.
type ImportResult struct {
	EventID    string `json:"event_id"`
	OrderID    string `json:"order_id"`
	Status     string `json:"status"` // "replicated", "duplicate", "error"
	Total      int    `json:"total_followers_copied,omitempty"`
	Successful int    `json:"successful_copies_count,omitempty"`
	Failed     int    `json:"failed_copies_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ImportResponse is the response body for POST /api/v1/master-orders/import.
type ImportResponse struct {
	Total      int            `json:"total"`
	Replicated int            `json:"replicated"`
	Duplicates int            `json:"duplicates"`
	Errors     int            `json:"errors"`
	Results    []ImportResult `json:"results"`
}

func (s *Server) handleImportMasterOrders(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if len(req.Orders) == 0 {
		writeError(w, http.StatusBadRequest, "orders array is empty")
		return
	}

	if len(req.Orders) > maxImport {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many orders: max %d per request", maxImport))
		return
	}

	// Validate all orders up front before replicating any
	for i := range req.Orders {
		if err := req.Orders[i].Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("orders[%d] (%s): %v", i, req.Orders[i].OrderID, err))
			return
		}
	}

	// Oldest first so followers receive copies in placement order
	sort.SliceStable(req.Orders, func(i, j int) bool {
		return req.Orders[i].Timestamp < req.Orders[j].Timestamp
	})

	ctx := r.Context()
	resp := ImportResponse{
		Total:   len(req.Orders),
		Results: make([]ImportResult, 0, len(req.Orders)),
	}

	for i := range req.Orders {
		event := &req.Orders[i]
		result := ImportResult{EventID: event.EventID, OrderID: event.OrderID}
		key := "event:" + event.EventID

		claim, err := s.guard.Check(ctx, key, 0)
		if err != nil {
			result.Status = "error"
			result.Error = fmt.Sprintf("idempotency check failed: %v", err)
			resp.Errors++
			resp.Results = append(resp.Results, result)
			continue
		}
		if !claim.New {
			result.Status = "duplicate"
			resp.Duplicates++
			resp.Results = append(resp.Results, result)
			continue
		}

		summary, err := s.replicateEvent(ctx, event)
		if err != nil {
			s.guard.MarkFailed(ctx, key, err)
			result.Status = "error"
			result.Error = err.Error()
			resp.Errors++
			resp.Results = append(resp.Results, result)
			continue
		}
		if err := s.guard.MarkCompleted(ctx, key, summary); err != nil {
			log.Warn().Err(err).Str("event_id", event.EventID).Msg("failed to record import completion")
		}

		result.Status = "replicated"
		result.Total, result.Successful, result.Failed = summary.Total, summary.Successful, summary.Failed
		resp.Replicated++
		resp.Results = append(resp.Results, result)
	}

	status := http.StatusOK
	if resp.Errors > 0 && resp.Replicated == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func (s *Server) replicateEvent(ctx context.Context, event *ingest.MasterOrderEvent) (*copytrade.Summary, error) {
	order := event.ToDomain()
	if err := s.repo.UpsertMasterOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("record master order: %w", err)
	}
	current, err := s.repo.GetMasterOrder(ctx, order.OrderID)
	if err != nil {
		return nil, fmt.Errorf("reload master order: %w", err)
	}
	return s.pipeline.ReplicateMasterOrder(ctx, current)
}
