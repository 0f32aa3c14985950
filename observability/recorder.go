// Package observability bridges domain events into logs and prometheus
// instruments.
package observability

import (
	"log/slog"

	"levman/events"
	"levman/observability/metrics"
)

// EventRecorder implements events.Emitter. Every emitted event is logged at
// info level and folded into the position metrics registry.
type EventRecorder struct {
	logger  *slog.Logger
	metrics *metrics.LeverageMetrics
}

// NewEventRecorder builds a recorder around the given logger. A nil logger
// falls back to slog.Default.
func NewEventRecorder(logger *slog.Logger) *EventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRecorder{logger: logger, metrics: metrics.Leverage()}
}

// Emit records the event.
func (r *EventRecorder) Emit(event events.Event) {
	if r == nil || event == nil {
		return
	}
	switch evt := event.(type) {
	case events.PositionCreated:
		r.metrics.ObservePositionCreated()
		r.logger.Info("position created",
			slog.Uint64("position", evt.ID),
			slog.String("owner", evt.Owner.String()),
			slog.String("collateralAsset", evt.CollateralAsset),
			slog.String("borrowAsset", evt.BorrowAsset),
			slog.String("borrowed", evt.Borrowed.String()),
			slog.String("rateMode", evt.RateMode),
		)
	case events.PositionClosed:
		r.metrics.ObservePositionClosed("closed")
		r.logger.Info("position closed",
			slog.Uint64("position", evt.ID),
			slog.String("owner", evt.Owner.String()),
			slog.String("collateralReturned", evt.CollateralReturned.String()),
		)
	case events.PositionLiquidated:
		r.metrics.ObserveLiquidation()
		if evt.Closed {
			r.metrics.ObservePositionClosed("liquidated")
		}
		r.logger.Info("position liquidated",
			slog.Uint64("position", evt.ID),
			slog.String("owner", evt.Owner.String()),
			slog.String("liquidator", evt.Liquidator.String()),
			slog.String("debtCovered", evt.DebtCovered.String()),
			slog.String("collateralSeized", evt.CollateralSeized.String()),
			slog.Bool("closed", evt.Closed),
		)
	case events.PositionForceClosed:
		r.metrics.ObservePositionClosed("forced")
		r.logger.Warn("position force-closed",
			slog.Uint64("position", evt.ID),
			slog.String("owner", evt.Owner.String()),
			slog.String("residualCollateral", evt.ResidualCollateral.String()),
			slog.String("residualDebt", evt.ResidualDebt.String()),
		)
	case events.OrphanedCollateral:
		r.metrics.ObserveOrphanedCollateral()
		r.logger.Error("collateral orphaned by aborted creation",
			slog.String("owner", evt.Owner.String()),
			slog.String("asset", evt.Asset),
			slog.String("amount", evt.Amount.String()),
		)
	case events.CollateralAdded:
		r.logger.Info("collateral added",
			slog.Uint64("position", evt.ID),
			slog.String("asset", evt.Asset),
			slog.String("amount", evt.Amount.String()),
		)
	case events.CollateralWithdrawn:
		r.logger.Info("collateral withdrawn",
			slog.Uint64("position", evt.ID),
			slog.String("asset", evt.Asset),
			slog.String("amount", evt.Amount.String()),
		)
	case events.DebtIncreased:
		r.logger.Info("debt increased",
			slog.Uint64("position", evt.ID),
			slog.String("asset", evt.Asset),
			slog.String("amount", evt.Amount.String()),
		)
	case events.DebtRepaid:
		r.logger.Info("debt repaid",
			slog.Uint64("position", evt.ID),
			slog.String("asset", evt.Asset),
			slog.String("applied", evt.Applied.String()),
		)
	case events.SupplyPositionCreated:
		r.logger.Info("supply position created",
			slog.Uint64("position", evt.ID),
			slog.String("asset", evt.Asset),
			slog.String("amount", evt.Amount.String()),
		)
	case events.SupplyPositionIncreased:
		r.logger.Info("supply position increased",
			slog.Uint64("position", evt.ID),
			slog.String("asset", evt.Asset),
			slog.String("amount", evt.Amount.String()),
		)
	case events.SupplyPositionWithdrawn:
		r.logger.Info("supply withdrawn",
			slog.Uint64("position", evt.ID),
			slog.String("asset", evt.Asset),
			slog.String("amount", evt.Amount.String()),
			slog.Bool("closed", evt.Closed),
		)
	case events.SupplyPositionClosed:
		r.logger.Info("supply position closed",
			slog.Uint64("position", evt.ID),
			slog.String("asset", evt.Asset),
			slog.String("amount", evt.Amount.String()),
		)
	default:
		r.logger.Info("event", slog.String("type", event.EventType()))
	}
}
