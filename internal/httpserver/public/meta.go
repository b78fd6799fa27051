package public

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/providers"
)

type metaHandler struct {
	container *app.Container
}

func (h *metaHandler) listModels(c *fiber.Ctx) error {
	ids := h.container.Router.Models(userContext(c))
	data := make([]fiber.Map, 0, len(ids))
	for _, id := range ids {
		data = append(data, fiber.Map{"id": id, "object": "model"})
	}
	return c.JSON(fiber.Map{"object": "list", "data": data})
}

// model describes one model from the built-in catalog. Unknown names get
// generic limits rather than a 404 since the primary may still serve them.
func (h *metaHandler) model(c *fiber.Ctx) error {
	id := c.Params("id")
	info := providers.LookupModel(id)
	return c.JSON(fiber.Map{
		"id":                 id,
		"object":             "model",
		"owned_by":           info.Provider,
		"max_tokens":         info.MaxTokens,
		"context_window":     info.ContextWindow,
		"cost_per_1k_tokens": info.CostPer1KTokens,
	})
}

// health reports the database and the last cached provider probe. Only a
// database failure makes the gateway unhealthy.
func (h *metaHandler) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(userContext(c), 2*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if err := h.container.Store.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":    "unhealthy",
			"timestamp": now,
			"database":  "disconnected",
			"error":     err.Error(),
		})
	}

	provider := fiber.Map{"status": "unknown"}
	if h.container.HealthMon != nil {
		status := h.container.HealthMon.Status(userContext(c))
		provider = fiber.Map{
			"name":       h.container.Router.PrimaryName(),
			"status":     connectedLabel(status.Healthy),
			"message":    status.Message,
			"checked_at": status.CheckedAt,
		}
	}
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": now,
		"database":  "connected",
		"provider":  provider,
	})
}

func connectedLabel(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}
