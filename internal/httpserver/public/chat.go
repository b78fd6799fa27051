package public

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/cache"
	"github.com/ncecere/metering_gateway/internal/gateway"
	"github.com/ncecere/metering_gateway/internal/httpserver/httputil"
	"github.com/ncecere/metering_gateway/internal/limits"
	"github.com/ncecere/metering_gateway/internal/providers"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	mimeEventStream      = "text/event-stream"
)

type chatHandler struct {
	container *app.Container
}

func (h *chatHandler) completions(c *fiber.Ctx) error {
	rc, ok := requestContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "request context missing")
	}
	ctx := userContext(c)

	release, err := h.container.AcquireRateLimit(ctx, rc.AccountID)
	if err != nil {
		if errors.Is(err, limits.ErrLimitExceeded) {
			retry := int(math.Ceil(h.container.RateLimiter.RetryAfter().Seconds()))
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
			return httputil.WriteErrorBody(c, fiber.StatusTooManyRequests, "rate_limit_exceeded", "too many requests, retry later", nil)
		}
		h.container.Logger.ErrorContext(ctx, "rate limit check failed",
			slog.String("account_id", rc.AccountID),
			slog.String("error", err.Error()),
		)
		return httputil.WriteErrorBody(c, fiber.StatusInternalServerError, string(gateway.KindInternal), "internal server error", nil)
	}
	defer release()

	chat, err := gateway.ParseRequest(c.Body())
	if err != nil {
		return writeGatewayError(c, err)
	}

	idemKey := strings.TrimSpace(c.Get(headerIdempotencyKey))
	claim, err := h.container.Idempotency.Claim(ctx, rc.AccountID, idemKey)
	if err != nil {
		h.container.Logger.WarnContext(ctx, "idempotency claim failed, continuing without replay",
			slog.String("account_id", rc.AccountID),
			slog.String("error", err.Error()),
		)
	}
	switch claim.State {
	case cache.ClaimReplay:
		c.Set(fiber.HeaderContentType, claim.Entry.ContentType)
		c.Set(headerReplayed, "true")
		return c.Status(claim.Entry.Status).Send(claim.Entry.Body)
	case cache.ClaimInFlight:
		return httputil.WriteErrorBody(c, fiber.StatusConflict, "idempotency_key_in_use",
			"a request with this Idempotency-Key is still in progress", nil)
	}

	out, err := h.container.Gateway.Complete(ctx, gateway.Request{
		AccountID: rc.AccountID,
		RequestID: rc.RequestID,
		Chat:      chat,
	})
	if err != nil {
		h.container.Idempotency.Abandon(context.WithoutCancel(ctx), rc.AccountID, idemKey, claim)
		return writeGatewayError(c, err)
	}

	contentType := responseContentType(out.ContentType)
	body := out.Body()
	if claim.State == cache.ClaimAcquired {
		h.container.Idempotency.Set(context.WithoutCancel(ctx), rc.AccountID, idemKey, cache.Entry{
			Status:      fiber.StatusOK,
			ContentType: contentType,
			Body:        body,
		})
	}
	c.Set(fiber.HeaderContentType, contentType)
	return c.Status(fiber.StatusOK).Send(body)
}

// responseContentType keeps upstream JSON and event-stream types and labels
// anything else as JSON.
func responseContentType(upstream string) string {
	lower := strings.ToLower(upstream)
	switch {
	case strings.Contains(lower, "json"), strings.HasPrefix(lower, mimeEventStream):
		return upstream
	default:
		return fiber.MIMEApplicationJSON
	}
}

// writeGatewayError renders a failed completion. Insufficient balance
// carries the account's balance so the caller can react.
func writeGatewayError(c *fiber.Ctx, err error) error {
	gerr, ok := gateway.AsError(err)
	if !ok {
		return httputil.WriteErrorBody(c, fiber.StatusInternalServerError, string(gateway.KindInternal), "internal server error", nil)
	}
	switch gerr.Kind {
	case gateway.KindInsufficient:
		extra := fiber.Map{
			"reason":        gerr.Reason,
			"tokens_needed": gerr.Estimate,
		}
		if gerr.Account != nil {
			extra["user_info"] = fiber.Map{
				"remaining_tokens": gerr.Account.Remaining(),
				"total_tokens":     gerr.Account.TotalTokens,
				"usage_percentage": gerr.Account.UsagePercent(),
				"is_blocked":       gerr.Account.Blocked,
			}
		}
		return httputil.WriteErrorBody(c, gerr.Status, gerr.Code, gerr.Message, extra)
	case gateway.KindProvider:
		extra := fiber.Map{}
		if p := gerr.Provider; p != nil {
			extra["provider"] = p.Backend
			if p.StatusCode > 0 {
				extra["status_code"] = p.StatusCode
			}
			if p.Primary != nil {
				extra["primary_error"] = providerFailure(p.Primary)
			}
		}
		return httputil.WriteErrorBody(c, gerr.Status, gerr.Code, gerr.Message, extra)
	default:
		return httputil.WriteErrorBody(c, gerr.Status, gerr.Code, gerr.Message, nil)
	}
}

// providerFailure renders an earlier attempt with the upstream text intact.
func providerFailure(p *providers.Error) fiber.Map {
	out := fiber.Map{
		"provider": p.Backend,
		"error":    p.Code,
		"message":  p.Message,
	}
	if p.StatusCode > 0 {
		out["status_code"] = p.StatusCode
	}
	return out
}
