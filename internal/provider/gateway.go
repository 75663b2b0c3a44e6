package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/mnemosyne/internal/metrics"
	"go.uber.org/zap"
)

// Gateway fronts a primary and an optional backup provider with a request
// timeout and an optional rate ceiling. All core components talk to the
// language model through a Gateway, never to a Provider directly.
type Gateway struct {
	primary Provider
	backup  Provider
	limiter Limiter
	timeout time.Duration
	logger  *zap.Logger
}

// NewGateway creates a gateway. backup and limiter may be nil.
func NewGateway(primary, backup Provider, limiter Limiter, timeout time.Duration, logger *zap.Logger) *Gateway {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		primary: primary,
		backup:  backup,
		limiter: limiter,
		timeout: timeout,
		logger:  logger,
	}
}

// Complete runs the request against the primary provider, falling back to the
// backup on failure. Each attempt gets its own timeout.
func (g *Gateway) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := g.completeWith(ctx, g.primary, req)
	if err == nil {
		return resp, nil
	}
	g.logger.Warn("primary provider failed",
		zap.String("provider", g.primary.ID()),
		zap.Error(err))
	countFailure(err)

	if g.backup == nil {
		return nil, err
	}

	resp, berr := g.completeWith(ctx, g.backup, req)
	if berr != nil {
		countFailure(berr)
		return nil, fmt.Errorf("backup after primary failure: %w", berr)
	}
	g.logger.Info("backup provider answered", zap.String("provider", g.backup.ID()))
	return resp, nil
}

func (g *Gateway) completeWith(ctx context.Context, p Provider, req *Request) (*Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := p.Complete(cctx, req)
	if err != nil {
		// A gateway-imposed deadline surfaces as ErrTimeout regardless of
		// where the provider impl noticed it.
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%v: %w", err, ErrTimeout)
		}
		return nil, err
	}
	return resp, nil
}

func countFailure(err error) {
	switch {
	case errors.Is(err, ErrTimeout):
		metrics.ProviderFailures.WithLabelValues("timeout").Inc()
	case errors.Is(err, ErrRateLimited):
		metrics.ProviderFailures.WithLabelValues("rate_limited").Inc()
	case errors.Is(err, ErrMalformed):
		metrics.ProviderFailures.WithLabelValues("malformed").Inc()
	default:
		metrics.ProviderFailures.WithLabelValues("unavailable").Inc()
	}
}
