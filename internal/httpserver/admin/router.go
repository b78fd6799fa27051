package admin

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/metering_gateway/internal/app"
)

// Register wires up all protected /admin routes.
func Register(app *fiber.App, container *app.Container) {
	protected := app.Group("/admin", adminAuthMiddleware(container))
	registerAdminAccountRoutes(protected, container)
	registerAdminSettingsRoutes(protected, container)
	registerAdminExportRoutes(protected, container)
}
