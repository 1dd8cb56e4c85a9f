package engine

import (
	"context"

	"github.com/c360studio/semflow/dispatch"
)

// Serve feeds every envelope from sub into Handle until ctx is cancelled or
// the subscription is closed. It backs the single-process local mode, where
// there is no redelivery: handler errors are logged and the envelope is
// dropped.
func (e *Engine) Serve(ctx context.Context, sub *dispatch.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return nil
		case env := <-sub.C():
			if err := e.Handle(ctx, env); err != nil {
				e.logger.Error("Handle failed",
					"event_type", env.Type,
					"topic", env.Topic,
					"correlation_id", env.CorrelationID,
					"error", err)
			}
		}
	}
}
