package copytrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/gateway"
	"github.com/Spot-Canvas/copytrade/internal/metrics"
	"github.com/Spot-Canvas/copytrade/internal/store"
)

// Action is what propagation did to one follower order.
type Action string

const (
	ActionClosed     Action = "closed"
	ActionCancelled  Action = "cancelled"
	ActionLedgerOnly Action = "ledger_only"
	ActionDeferred   Action = "deferred"
	ActionPending    Action = "pending"
	ActionUpdated    Action = "updated"
	ActionUnchanged  Action = "unchanged"
	ActionFailed     Action = "failed"
)

// PropagationResult is the result for one follower order.
type PropagationResult struct {
	OrderID    string `json:"order_id"`
	FollowerID int64  `json:"copy_follower_account_id"`
	Action     Action `json:"action"`
	Reason     string `json:"reason,omitempty"`
}

// PropagationSummary aggregates a propagation run.
type PropagationSummary struct {
	MasterOrderID string              `json:"master_order_id"`
	MasterStatus  domain.OrderStatus  `json:"master_status"`
	Results       []PropagationResult `json:"results"`
}

// Failed counts the follower orders left in need of a retry.
func (s *PropagationSummary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Action == ActionFailed {
			n++
		}
	}
	return n
}

// PropagateMasterOrderUpdate mirrors a master order's lifecycle change onto
// its follower orders. A terminal master closes or cancels every copy still
// alive; a live master with new levels pushes recomputed levels to placed copies.
func (p *Pipeline) PropagateMasterOrderUpdate(ctx context.Context, master *domain.MasterOrder) (*PropagationSummary, error) {
	orders, err := p.store.ListPropagatableOrders(ctx, master.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load follower orders: %w", err)
	}

	summary := &PropagationSummary{
		MasterOrderID: master.OrderID,
		MasterStatus:  master.OrderStatus,
		Results:       make([]PropagationResult, len(orders)),
	}
	reason := fmt.Sprintf("master order %s", master.OrderStatus)

	p.fanOut(ctx, len(orders), func(i int) {
		o := &orders[i]
		if master.OrderStatus.Terminal() {
			summary.Results[i] = p.retire(ctx, o, reason)
		} else {
			summary.Results[i] = p.updateLevels(ctx, master, o)
		}
	}, func(i int, r any) {
		summary.Results[i] = PropagationResult{
			OrderID:    orders[i].OrderID,
			FollowerID: orders[i].FollowerAccountID,
			Action:     ActionFailed,
			Reason:     fmt.Sprintf("internal error: %v", r),
		}
	})

	for _, r := range summary.Results {
		metrics.PropagationOutcomes.WithLabelValues(string(r.Action)).Inc()
	}
	p.logger.Info().
		Str("master_order_id", master.OrderID).
		Str("master_status", string(master.OrderStatus)).
		Int("orders", len(orders)).
		Int("failed", summary.Failed()).
		Msg("propagated master order update")
	return summary, nil
}

// retire ends one follower order because its master ended.
func (p *Pipeline) retire(ctx context.Context, o *domain.FollowerOrder, reason string) PropagationResult {
	switch {
	case o.CopyStatus == domain.CopyStatusFailed || o.OrderStatus == domain.OrderStatusRejected:
		// Never placed remotely: the ledger is the only place it exists.
		return p.cancelLocally(ctx, o, reason, ActionLedgerOnly)
	case o.OrderStatus == domain.OrderStatusOpen:
		return p.closeOrder(ctx, o, reason)
	default:
		return p.cancelOrder(ctx, o, reason)
	}
}

// CloseFollowerOrder closes one open follower order at market. It returns an
// error when the close could not be completed or confirmed as in flight.
func (p *Pipeline) CloseFollowerOrder(ctx context.Context, o *domain.FollowerOrder, reason string) error {
	res := p.closeOrder(ctx, o, reason)
	if res.Action == ActionFailed {
		return fmt.Errorf("close %s: %s", o.OrderID, res.Reason)
	}
	return nil
}

func (p *Pipeline) orderLogger(o *domain.FollowerOrder) zerolog.Logger {
	return p.logger.With().
		Str("order_id", o.OrderID).
		Str("master_order_id", o.MasterOrderID).
		Int64("account_id", o.FollowerAccountID).
		Logger()
}

func (p *Pipeline) closeOrder(ctx context.Context, o *domain.FollowerOrder, reason string) PropagationResult {
	res := PropagationResult{OrderID: o.OrderID, FollowerID: o.FollowerAccountID}
	logger := p.orderLogger(o)

	closeID, err := p.ids.NextString()
	if err != nil {
		res.Action, res.Reason = ActionFailed, err.Error()
		return res
	}
	reply, err := p.gateway.Close(ctx, gateway.CloseRequest{
		OrderID:     o.OrderID,
		CloseID:     closeID,
		AccountType: domain.AccountTypeCopyFollower,
		AccountID:   o.FollowerAccountID,
		Symbol:      o.Symbol,
		OrderType:   o.OrderType,
		Quantity:    o.Quantity,
		Reason:      reason,
	})
	switch {
	case errors.Is(err, domain.ErrRemoteTimeout):
		res.Action, res.Reason = ActionPending, err.Error()
		logger.Warn().Err(err).Msg("close outcome unknown")
		return res
	case err != nil:
		res.Action, res.Reason = ActionFailed, err.Error()
		logger.Error().Err(err).Msg("close failed")
		return res
	case !reply.Success:
		res.Action, res.Reason = ActionFailed, reply.Reason
		logger.Error().Str("reason", reply.Reason).Msg("close rejected by gateway")
		return res
	}

	if reply.Flow == domain.FlowProvider {
		res.Action = ActionDeferred
		logger.Info().Msg("close accepted by provider, awaiting confirmation")
		return res
	}

	err = p.finalizeClose(ctx, o.OrderID, store.CloseFill{
		Flow:       domain.FlowLocal,
		ClosePrice: reply.ClosePrice,
		NetProfit:  reply.NetProfit,
		Swap:       reply.Swap,
		Commission: reply.Commission,
		UsedMargin: reply.UsedMarginExecuted,
	})
	if err != nil {
		res.Action, res.Reason = ActionFailed, err.Error()
		p.markDirty(ctx, o.Follower(), "close not recorded")
		return res
	}
	res.Action = ActionClosed
	return res
}

// finalizeClose records a confirmed close, then settles the performance fee
// and refreshes the follower's mirror after the commit.
func (p *Pipeline) finalizeClose(ctx context.Context, orderID string, fill store.CloseFill) error {
	closed, err := p.store.ApplyCloseFill(ctx, orderID, fill, p.ids.NextString)
	if errors.Is(err, domain.ErrOrderTerminal) {
		p.logger.Info().Str("order_id", orderID).Msg("order already terminal, close ignored")
		return nil
	}
	if err != nil {
		p.logger.Error().Err(err).Str("order_id", orderID).Msg("failed to record close")
		return err
	}

	p.mirrorOrder(ctx, closed)
	p.settleFee(ctx, closed)
	p.refreshAccount(ctx, closed.Follower(), "order closed", true)
	p.logger.Info().
		Str("order_id", orderID).
		Str("net_profit", closed.NetProfit.String()).
		Str("flow", string(fill.Flow)).
		Msg("copy closed")
	return nil
}

func (p *Pipeline) settleFee(ctx context.Context, o *domain.FollowerOrder) {
	if !o.NetProfit.IsPositive() {
		return
	}
	if _, err := p.fees.Settle(ctx, o.OrderID); err != nil {
		// The close stands; the fee can be settled again later.
		p.logger.Error().Err(err).Str("order_id", o.OrderID).Msg("performance fee settlement failed")
	}
}

func (p *Pipeline) cancelOrder(ctx context.Context, o *domain.FollowerOrder, reason string) PropagationResult {
	res := PropagationResult{OrderID: o.OrderID, FollowerID: o.FollowerAccountID}
	logger := p.orderLogger(o)

	cancelID, err := p.ids.NextString()
	if err != nil {
		res.Action, res.Reason = ActionFailed, err.Error()
		return res
	}
	reply, err := p.gateway.Cancel(ctx, gateway.CancelRequest{
		OrderID:     o.OrderID,
		CancelID:    cancelID,
		AccountType: domain.AccountTypeCopyFollower,
		AccountID:   o.FollowerAccountID,
		Symbol:      o.Symbol,
		Reason:      reason,
	})
	switch {
	case errors.Is(err, domain.ErrRemoteTimeout):
		res.Action, res.Reason = ActionPending, err.Error()
		logger.Warn().Err(err).Msg("cancel outcome unknown")
		return res
	case err != nil:
		res.Action, res.Reason = ActionFailed, err.Error()
		logger.Error().Err(err).Msg("cancel failed")
		return res
	case !reply.Success:
		res.Action, res.Reason = ActionFailed, reply.Reason
		logger.Error().Str("reason", reply.Reason).Msg("cancel rejected by gateway")
		return res
	}

	if reply.Flow == domain.FlowProvider {
		res.Action = ActionDeferred
		logger.Info().Msg("cancel accepted by provider, awaiting confirmation")
		return res
	}
	return p.cancelLocally(ctx, o, reason, ActionCancelled)
}

func (p *Pipeline) cancelLocally(ctx context.Context, o *domain.FollowerOrder, reason string, action Action) PropagationResult {
	res := PropagationResult{OrderID: o.OrderID, FollowerID: o.FollowerAccountID, Action: action}
	err := p.store.CancelFollowerOrder(ctx, o.OrderID, reason)
	if errors.Is(err, domain.ErrOrderTerminal) {
		res.Action = ActionUnchanged
		return res
	}
	if err != nil {
		res.Action, res.Reason = ActionFailed, err.Error()
		logger := p.orderLogger(o)
		logger.Error().Err(err).Msg("failed to record cancellation")
		return res
	}
	o.CopyStatus, o.OrderStatus = domain.CopyStatusCancelled, domain.OrderStatusCancelled
	p.mirrorOrder(ctx, o)
	return res
}

// updateLevels recomputes a placed copy's levels from the master's new ones.
func (p *Pipeline) updateLevels(ctx context.Context, master *domain.MasterOrder, o *domain.FollowerOrder) PropagationResult {
	res := PropagationResult{OrderID: o.OrderID, FollowerID: o.FollowerAccountID, Action: ActionUnchanged}
	if !o.Placed() {
		return res
	}
	logger := p.orderLogger(o)

	f, err := p.store.GetFollowerAccount(ctx, o.FollowerAccountID)
	if err != nil {
		res.Action, res.Reason = ActionFailed, err.Error()
		return res
	}
	params := p.symbols.Lookup(ctx, f.Group, o.Symbol)
	ov := ComputeOverrides(master, f, o.Quantity, params.ContractSize)

	slChanged := !sameLevel(ov.StopLoss, o.StopLoss)
	tpChanged := !sameLevel(ov.TakeProfit, o.TakeProfit)
	if !slChanged && !tpChanged {
		return res
	}

	req := gateway.LevelRequest{
		OrderID:     o.OrderID,
		AccountType: domain.AccountTypeCopyFollower,
		AccountID:   o.FollowerAccountID,
		Symbol:      o.Symbol,
	}
	if slChanged && ov.StopLoss.Valid {
		req.Price = ov.StopLoss.Decimal
		if reason, err := levelCall(p.gateway.SetStopLoss(ctx, req)); err != nil {
			res.Action, res.Reason = ActionFailed, reason
			logger.Error().Err(err).Msg("stop-loss update failed")
			return res
		}
	}
	if tpChanged && ov.TakeProfit.Valid {
		req.Price = ov.TakeProfit.Decimal
		if reason, err := levelCall(p.gateway.SetTakeProfit(ctx, req)); err != nil {
			res.Action, res.Reason = ActionFailed, reason
			logger.Error().Err(err).Msg("take-profit update failed")
			return res
		}
	}

	err = p.store.UpdateRiskLevels(ctx, o.OrderID, ov.StopLoss, ov.TakeProfit,
		ov.SLModified, ov.TPModified, ov.SLModType, ov.TPModType)
	if err != nil {
		res.Action, res.Reason = ActionFailed, err.Error()
		logger.Error().Err(err).Msg("failed to record risk levels")
		p.markDirty(ctx, o.Follower(), "risk levels not recorded")
		return res
	}
	o.StopLoss, o.TakeProfit = ov.StopLoss, ov.TakeProfit
	o.SLModified, o.TPModified = ov.SLModified, ov.TPModified
	o.SLModType, o.TPModType = ov.SLModType, ov.TPModType
	p.mirrorOrder(ctx, o)

	res.Action = ActionUpdated
	logger.Info().
		Str("stop_loss", levelString(o.StopLoss)).
		Str("take_profit", levelString(o.TakeProfit)).
		Msg("risk levels updated")
	return res
}

func levelCall(reply gateway.LevelResult, err error) (string, error) {
	if err != nil {
		return err.Error(), err
	}
	if !reply.Success {
		return reply.Reason, fmt.Errorf("rejected: %s", reply.Reason)
	}
	return "", nil
}

func sameLevel(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func levelString(l decimal.NullDecimal) string {
	if !l.Valid {
		return ""
	}
	return l.Decimal.String()
}

// ConfirmationKind is the kind of asynchronous provider-flow confirmation.
type ConfirmationKind string

const (
	ConfirmExecute ConfirmationKind = "execute"
	ConfirmClose   ConfirmationKind = "close"
	ConfirmCancel  ConfirmationKind = "cancel"
	ConfirmReject  ConfirmationKind = "reject"
)

// Confirmation is a provider-flow outcome delivered after the gateway call.
type Confirmation struct {
	Kind          ConfirmationKind   `json:"kind"`
	OrderID       string             `json:"order_id"`
	OrderStatus   domain.OrderStatus `json:"order_status,omitempty"`
	Price         decimal.Decimal    `json:"execution_price"`
	Margin        decimal.Decimal    `json:"margin"`
	ContractValue decimal.Decimal    `json:"contract_value"`
	Commission    decimal.Decimal    `json:"commission"`
	ClosePrice    decimal.Decimal    `json:"close_price"`
	NetProfit     decimal.Decimal    `json:"net_profit"`
	Swap          decimal.Decimal    `json:"swap"`
	UsedMargin    decimal.Decimal    `json:"used_margin_executed"`
	Reason        string             `json:"reason,omitempty"`
}

// ApplyProviderConfirmation applies a provider-flow outcome to the ledger.
// Confirmations for orders already in a terminal state are ignored, so
// redelivery is harmless.
func (p *Pipeline) ApplyProviderConfirmation(ctx context.Context, c Confirmation) error {
	if c.OrderID == "" {
		return domain.NewValidationError("confirmation without order id")
	}
	logger := p.logger.With().Str("order_id", c.OrderID).Str("kind", string(c.Kind)).Logger()

	switch c.Kind {
	case ConfirmExecute:
		opened, err := p.store.ApplyExecutionFill(ctx, c.OrderID, store.ExecutionFill{
			Flow:          domain.FlowProvider,
			OrderStatus:   domain.OrderStatusOpen,
			Price:         c.Price,
			Margin:        c.Margin,
			ContractValue: c.ContractValue,
			Commission:    c.Commission,
		})
		if errors.Is(err, domain.ErrOrderTerminal) {
			logger.Info().Msg("order already settled, confirmation ignored")
			return nil
		}
		if err != nil {
			return fmt.Errorf("apply execution: %w", err)
		}
		p.mirrorOrder(ctx, opened)
		p.refreshAccount(ctx, opened.Follower(), "copy opened", false)
		logger.Info().Str("price", c.Price.String()).Msg("provider execution confirmed")
		return nil

	case ConfirmClose:
		return p.finalizeClose(ctx, c.OrderID, store.CloseFill{
			Flow:       domain.FlowProvider,
			ClosePrice: c.ClosePrice,
			NetProfit:  c.NetProfit,
			Swap:       c.Swap,
			Commission: c.Commission,
			UsedMargin: c.UsedMargin,
		})

	case ConfirmCancel, ConfirmReject:
		var err error
		if c.Kind == ConfirmCancel {
			err = p.store.CancelFollowerOrder(ctx, c.OrderID, c.Reason)
		} else {
			err = p.store.MarkFollowerOrderFailed(ctx, c.OrderID, domain.CopyStatusFailed, domain.OrderStatusRejected, c.Reason)
		}
		if errors.Is(err, domain.ErrOrderTerminal) {
			logger.Info().Msg("order already settled, confirmation ignored")
			return nil
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", c.Kind, err)
		}
		o, err := p.store.GetFollowerOrder(ctx, c.OrderID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to reload order for mirror")
			return nil
		}
		p.mirrorOrder(ctx, o)
		logger.Info().Str("reason", c.Reason).Msg("provider outcome applied")
		return nil
	}
	return domain.NewValidationError("unknown confirmation kind %q", c.Kind)
}
