package policy

import (
	"context"
	"errors"
	"time"

	"github.com/samblam/edgemesh/internal/logger"
)

// Gateway submits decision requests to an Engine under a hard deadline.
// It never retries: callers may retry the whole authorization instead.
type Gateway struct {
	engine  Engine
	timeout time.Duration
}

// NewGateway returns a Gateway bounding every engine call by timeout.
func NewGateway(engine Engine, timeout time.Duration) *Gateway {
	return &Gateway{engine: engine, timeout: timeout}
}

// Decide returns the engine's verdict, or a deny carrying the failure reason.
// It never returns Allowed=true unless the engine said so.
func (g *Gateway) Decide(ctx context.Context, input Input) Decision {
	if g == nil || g.engine == nil {
		return Decision{Reason: ReasonEngineUnavailable, Err: ErrEngineUnavailable}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	allowed, err := g.engine.Evaluate(ctx, input)
	if err == nil && ctx.Err() != nil {
		// The engine ignored cancellation; its answer arrived too late to trust.
		err = ErrEngineTimeout
	}
	if err != nil {
		reason := ReasonFor(err)
		logger.ForComponent("policy").WithFields(map[string]interface{}{
			"device_id": input.Device.DeviceID,
			"user_id":   input.User.ID,
			"service":   input.Service.Name,
			"reason":    reason,
		}).WithError(err).Warn("policy engine failure, denying")
		return Decision{Reason: reason, Err: err}
	}

	if !allowed {
		return Decision{Reason: ReasonPolicyDenied}
	}
	return Decision{Allowed: true, Reason: ReasonPolicyAllowed}
}

// ReasonFor maps an engine error to its deny reason. Unknown errors count as
// unavailability.
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, ErrEngineTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonEngineTimeout
	case errors.Is(err, ErrResponseInvalid):
		return ReasonResponseInvalid
	default:
		return ReasonEngineUnavailable
	}
}
