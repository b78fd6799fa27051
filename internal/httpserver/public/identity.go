package public

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/auth"
	"github.com/ncecere/metering_gateway/internal/httpserver/httputil"
	"github.com/ncecere/metering_gateway/internal/requestctx"
)

const (
	authBearerPrefix = "bearer "

	headerUserID    = "X-User-ID"
	headerUserEmail = "X-User-Email"
	headerUserName  = "X-User-Name"
)

// identityAuth resolves the caller's account and injects request metadata.
// A bearer JWT wins when a verifier is configured; otherwise the trusted
// X-User-* headers set by the fronting application are used.
func identityAuth(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := resolveIdentity(c, container)
		if !ok {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "unauthorized")
		}

		ctx := userContext(c)
		rc, err := container.ResolveAccount(ctx, id, requestID(c))
		if err != nil {
			container.Logger.ErrorContext(ctx, "resolve account failed",
				slog.String("account_id", id.AccountID),
				slog.String("error", err.Error()),
			)
			return httputil.WriteErrorBody(c, fiber.StatusInternalServerError, "user_error", "failed to resolve account", nil)
		}

		c.Locals(requestctx.FiberLocalsKey(), rc)
		c.SetUserContext(requestctx.WithContext(ctx, rc))
		return c.Next()
	}
}

func resolveIdentity(c *fiber.Ctx, container *app.Container) (auth.Identity, bool) {
	if container.Identity != nil {
		if token := bearerToken(c); token != "" {
			id, err := container.Identity.Verify(token)
			if err != nil {
				return auth.Identity{}, false
			}
			return id, true
		}
	}
	if !container.Config.Identity.TrustHeaders {
		return auth.Identity{}, false
	}
	accountID := strings.TrimSpace(c.Get(headerUserID))
	if accountID == "" {
		return auth.Identity{}, false
	}
	return auth.Identity{
		AccountID: accountID,
		Email:     strings.TrimSpace(c.Get(headerUserEmail)),
		Name:      strings.TrimSpace(c.Get(headerUserName)),
	}, true
}

func bearerToken(c *fiber.Ctx) string {
	raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(raw) <= len(authBearerPrefix) || !strings.HasPrefix(strings.ToLower(raw), authBearerPrefix) {
		return ""
	}
	return strings.TrimSpace(raw[len(authBearerPrefix):])
}

// requestID returns the id assigned by the requestid middleware.
func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

func userContext(c *fiber.Ctx) context.Context {
	if c == nil {
		return context.Background()
	}
	if uc := c.UserContext(); uc != nil {
		return uc
	}
	return context.Background()
}

func requestContext(c *fiber.Ctx) (*requestctx.Context, bool) {
	rc, ok := c.Locals(requestctx.FiberLocalsKey()).(*requestctx.Context)
	return rc, ok && rc != nil
}
