package httputil

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// WriteError standardizes JSON error responses for both admin and public APIs.
func WriteError(c *fiber.Ctx, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}

// WriteErrorBody writes a machine-readable code plus a human message and any
// extra fields the caller needs to react.
func WriteErrorBody(c *fiber.Ctx, status int, code, msg string, extra fiber.Map) error {
	body := fiber.Map{"error": code}
	if msg != "" {
		body["message"] = msg
	}
	for k, v := range extra {
		body[k] = v
	}
	return c.Status(status).JSON(body)
}
