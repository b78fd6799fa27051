package admin

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/httpserver/httputil"
	"github.com/ncecere/metering_gateway/internal/settings"
)

func registerAdminSettingsRoutes(router fiber.Router, container *app.Container) {
	handler := &settingsHandler{container: container}
	group := router.Group("/settings")
	group.Get("/", handler.list)
	group.Get("/:key", handler.get)
	group.Put("/:key", handler.update)
}

type settingsHandler struct {
	container *app.Container
}

type settingPayload struct {
	Value       string `json:"value"`
	Description string `json:"description"`
}

func (h *settingsHandler) list(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"settings": h.container.Settings.List()})
}

func (h *settingsHandler) get(c *fiber.Ctx) error {
	setting, err := h.container.Settings.Get(c.Params("key"))
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			return httputil.WriteError(c, fiber.StatusNotFound, "setting not found")
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(setting)
}

func (h *settingsHandler) update(c *fiber.Ctx) error {
	var payload settingPayload
	if err := c.BodyParser(&payload); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	key := c.Params("key")
	updated, err := h.container.Settings.Upsert(c.UserContext(), key, payload.Value, payload.Description)
	if err != nil {
		if errors.Is(err, settings.ErrInvalidValue) {
			return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
		}
		h.container.Logger.ErrorContext(c.UserContext(), "update setting failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return httputil.WriteError(c, fiber.StatusInternalServerError, "update setting failed")
	}
	h.container.Logger.InfoContext(c.UserContext(), "setting updated", slog.String("key", updated.Key))
	return c.JSON(updated)
}
