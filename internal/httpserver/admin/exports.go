package admin

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/httpserver/httputil"
	"github.com/ncecere/metering_gateway/internal/reports"
	"github.com/ncecere/metering_gateway/internal/storage/blob"
)

func registerAdminExportRoutes(router fiber.Router, container *app.Container) {
	handler := &exportsHandler{container: container}
	router.Get("/exports", handler.list)
	router.Post("/exports", handler.create)
	router.Get("/exports/*", handler.download)
	router.Delete("/exports/*", handler.remove)
}

const exportPrefix = "exports/"

type exportsHandler struct {
	container *app.Container
}

type exportRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	AccountID string `json:"account_id"`
}

func (h *exportsHandler) create(c *fiber.Ctx) error {
	var req exportRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	from, err := parseTime(req.From)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "from must be RFC3339 or YYYY-MM-DD")
	}
	to, err := parseTime(req.To)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "to must be RFC3339 or YYYY-MM-DD")
	}

	report, err := h.container.Exports.Export(c.UserContext(), reports.Request{
		From:      from,
		To:        to,
		AccountID: req.AccountID,
	})
	if err != nil {
		h.container.Logger.ErrorContext(c.UserContext(), "export failed", slog.String("error", err.Error()))
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(report)
}

func (h *exportsHandler) list(c *fiber.Ctx) error {
	objects, err := h.container.Exports.List(c.UserContext())
	if err != nil {
		h.container.Logger.ErrorContext(c.UserContext(), "list exports failed", slog.String("error", err.Error()))
		return httputil.WriteError(c, fiber.StatusInternalServerError, "list exports failed")
	}
	return c.JSON(fiber.Map{"exports": objects})
}

func (h *exportsHandler) remove(c *fiber.Ctx) error {
	if err := h.container.Exports.Delete(c.UserContext(), exportPrefix+c.Params("*")); err != nil {
		if errors.Is(err, reports.ErrInvalidKey) {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid export key")
		}
		h.container.Logger.ErrorContext(c.UserContext(), "delete export failed", slog.String("error", err.Error()))
		return httputil.WriteError(c, fiber.StatusInternalServerError, "delete export failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *exportsHandler) download(c *fiber.Ctx) error {
	key := exportPrefix + c.Params("*")
	rc, info, err := h.container.Exports.Open(c.UserContext(), key)
	if err != nil {
		switch {
		case errors.Is(err, reports.ErrInvalidKey):
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid export key")
		case errors.Is(err, blob.ErrNotFound):
			return httputil.WriteError(c, fiber.StatusNotFound, "export not found")
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, "read export failed")
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = "text/csv"
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+lastSegment(key)+`"`)
	size := -1
	if info.Size > 0 {
		size = int(info.Size)
	}
	return c.SendStream(rc, size)
}

// parseTime accepts an RFC3339 timestamp or a UTC date; empty means unset.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}

func lastSegment(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}
