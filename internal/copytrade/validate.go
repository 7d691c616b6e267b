package copytrade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// validateFollower checks that follower may receive a new copy. Business-rule
// failures are returned as *domain.ValidationError; anything else is an
// infrastructure error.
func (p *Pipeline) validateFollower(ctx context.Context, f *domain.FollowerAccount) error {
	user, err := p.store.GetUser(ctx, f.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewValidationError("user %d not found", f.UserID)
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return domain.NewValidationError("user %d is inactive", f.UserID)
	}

	if !f.Status || !f.IsActive {
		return domain.NewValidationError("follower account is inactive")
	}
	if f.CopyStatus != domain.AccountCopyActive {
		return domain.NewValidationError("copy status is %s", f.CopyStatus)
	}

	if f.MaxDailyLoss.IsPositive() {
		loss, err := p.store.DailyRealizedLoss(ctx, f.Ref.ID, startOfDay(p.clock()))
		if err != nil {
			return fmt.Errorf("load daily loss: %w", err)
		}
		if loss.GreaterThanOrEqual(f.MaxDailyLoss) {
			return domain.NewValidationError("daily loss %s reached limit %s", loss, f.MaxDailyLoss)
		}
	}

	if f.StopCopyingOnDrawdown.IsPositive() && f.InitialInvestment.IsPositive() {
		equity, _, err := p.equity.Current(ctx, f.Ref)
		if err != nil {
			return fmt.Errorf("load follower equity: %w", err)
		}
		drawdown := f.InitialInvestment.Sub(equity).Div(f.InitialInvestment).Mul(hundred)
		if drawdown.GreaterThanOrEqual(f.StopCopyingOnDrawdown) {
			return domain.NewValidationError("drawdown %s%% reached limit %s%%",
				drawdown.StringFixed(2), f.StopCopyingOnDrawdown)
		}
	}

	return nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
