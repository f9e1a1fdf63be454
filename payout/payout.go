// Package payout forwards anchor completions to the external
// payout-routing service. The core supplies only the session reference;
// amount and destination selection happen downstream.
package payout

import (
	"context"

	"go.uber.org/zap"

	"github.com/lucidnet/anchorage/logging"
	"github.com/lucidnet/anchorage/types"
)

// Emitter receives a payout event once a session's anchor is confirmed.
// Emission is best-effort: a failed emit must not affect the anchor result.
type Emitter interface {
	Emit(ctx context.Context, event *types.PayoutEvent) error
}

// Noop drops all events. Used when no payout collaborator is configured.
type Noop struct{}

func (Noop) Emit(context.Context, *types.PayoutEvent) error { return nil }

// LogEmitter records events to the log only. Useful for deployments where
// the payout rail is reconciled out of band.
type LogEmitter struct{}

func (LogEmitter) Emit(ctx context.Context, event *types.PayoutEvent) error {
	logging.FromContext(ctx).Info("payout event",
		zap.Stringer("session", event.SessionID),
		zap.String("owner", event.OwnerAddress),
		zap.Uint64("amount", event.Amount),
	)
	return nil
}
