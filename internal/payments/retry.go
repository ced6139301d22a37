package payments

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 300 * time.Millisecond
)

// RetryingGateway retries DEPENDENCY_ERROR failures of the wrapped gateway
// with a constant delay. Every other error is returned on the first attempt.
// Refunds are never repeated: a refund whose outcome is unknown has to be
// reconciled with FindRefund first. A repeated intent or link at worst leaves
// an unpaid gateway object behind that lapses on its own.
type RetryingGateway struct {
	next        Gateway
	maxAttempts uint64
	delay       time.Duration
	logg        *logger.Logger
	metrics     *metrics.PaymentMetrics
}

// NewRetryingGateway decorates next. maxAttempts counts the first call.
func NewRetryingGateway(next Gateway, maxAttempts uint64, delay time.Duration, logg *logger.Logger, m *metrics.PaymentMetrics) (*RetryingGateway, error) {
	if next == nil {
		return nil, errors.New("gateway required")
	}
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return &RetryingGateway{next: next, maxAttempts: maxAttempts, delay: delay, logg: logg, metrics: m}, nil
}

func (g *RetryingGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	var out Intent
	err := g.do(ctx, "create_intent", func(ctx context.Context) error {
		var err error
		out, err = g.next.CreateIntent(ctx, req)
		return err
	})
	return out, err
}

func (g *RetryingGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	start := time.Now()
	out, err := g.next.Refund(ctx, req)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	g.metrics.ObserveGatewayCall("refund", outcome, time.Since(start))
	return out, err
}

func (g *RetryingGateway) FindRefund(ctx context.Context, gatewayPaymentID, receipt string) (*RefundResult, error) {
	var out *RefundResult
	err := g.do(ctx, "find_refund", func(ctx context.Context) error {
		var err error
		out, err = g.next.FindRefund(ctx, gatewayPaymentID, receipt)
		return err
	})
	return out, err
}

func (g *RetryingGateway) CreatePaymentLink(ctx context.Context, req LinkRequest) (PaymentLink, error) {
	var out PaymentLink
	err := g.do(ctx, "create_payment_link", func(ctx context.Context) error {
		var err error
		out, err = g.next.CreatePaymentLink(ctx, req)
		return err
	})
	return out, err
}

func (g *RetryingGateway) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(g.maxAttempts-1, retry.NewConstant(g.delay))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		start := time.Now()
		err := fn(ctx)
		if err == nil {
			g.metrics.ObserveGatewayCall(op, metrics.OutcomeSuccess, time.Since(start))
			return nil
		}
		g.metrics.ObserveGatewayCall(op, metrics.OutcomeError, time.Since(start))
		if !pkgerrors.Is(err, pkgerrors.CodeDependency) {
			return err
		}
		if g.logg != nil {
			logCtx := g.logg.WithFields(ctx, map[string]any{
				"operation": op,
				"attempt":   attempt,
			})
			g.logg.Warn(logCtx, "gateway call failed; retrying")
		}
		return retry.RetryableError(err)
	})
}
