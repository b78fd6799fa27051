package admin

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/auth"
	"github.com/ncecere/metering_gateway/internal/httpserver/httputil"
)

const adminAuthHeaderPrefix = "bearer "

// adminAuthMiddleware checks the bearer token against admin.token_hash. The
// admin API is unavailable while no hash is configured.
func adminAuthMiddleware(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		hash := strings.TrimSpace(container.Config.Admin.TokenHash)
		if hash == "" {
			return httputil.WriteError(c, fiber.StatusServiceUnavailable, "admin api disabled")
		}

		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		token := ""
		if raw != "" && strings.HasPrefix(strings.ToLower(raw), adminAuthHeaderPrefix) {
			token = strings.TrimSpace(raw[len(adminAuthHeaderPrefix):])
		}
		if token == "" {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "admin authorization required")
		}

		ok, err := auth.VerifyToken(token, hash)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidHash) {
				container.Logger.ErrorContext(c.UserContext(), "admin token hash is malformed")
			}
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid admin token")
		}
		if !ok {
			container.Logger.WarnContext(c.UserContext(), "admin token rejected", slog.String("ip", c.IP()))
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid admin token")
		}
		return c.Next()
	}
}
