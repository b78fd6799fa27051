package public

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/metering_gateway/internal/app"
)

// Register wires up the OpenAI-compatible completion route and the
// per-user account routes.
func Register(app *fiber.App, container *app.Container) {
	auth := identityAuth(container)

	meta := &metaHandler{container: container}
	app.Get("/v1/models", meta.listModels)
	app.Get("/v1/models/:id", meta.model)
	app.Get("/v1/health", meta.health)

	chat := &chatHandler{container: container}
	app.Post("/v1/chat/completions", auth, chat.completions)

	user := &userHandler{container: container}
	group := app.Group("/v1/user", auth)
	group.Get("/info", user.info)
	group.Get("/usage", user.usage)
	group.Get("/alerts", user.listAlerts)
}
