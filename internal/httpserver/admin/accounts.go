package admin

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/httpserver/httputil"
	"github.com/ncecere/metering_gateway/internal/ledger"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	recentActivity = 10
)

func registerAdminAccountRoutes(router fiber.Router, container *app.Container) {
	handler := &accountsHandler{container: container}
	router.Get("/accounts", handler.list)
	router.Get("/accounts/:id", handler.get)
	router.Post("/accounts/:id/credit", handler.credit)
	router.Post("/accounts/:id/refund", handler.refund)
	router.Post("/accounts/:id/status", handler.setStatus)
	router.Get("/accounts/:id/reconcile", handler.reconcile)
	router.Get("/stats", handler.stats)
}

type accountsHandler struct {
	container *app.Container
}

type tokenAdjustmentRequest struct {
	Tokens int64  `json:"tokens"`
	Reason string `json:"reason"`
}

type statusRequest struct {
	Active *bool `json:"active"`
}

func (h *accountsHandler) list(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	perPage := c.QueryInt("per_page", defaultPerPage)
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	result, err := h.container.Ledger.ListAccounts(c.UserContext(), page, perPage)
	if err != nil {
		return h.internal(c, "list accounts failed", err)
	}
	return c.JSON(fiber.Map{
		"users": httputil.ToAccountPayloads(result.Accounts),
		"pagination": fiber.Map{
			"page":     result.Page,
			"per_page": result.PerPage,
			"total":    result.Total,
			"pages":    result.Pages,
		},
	})
}

func (h *accountsHandler) get(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	acct, err := h.container.Ledger.Account(c.UserContext(), id)
	if err != nil {
		return h.accountError(c, err)
	}
	recent, err := h.container.Ledger.Transactions(c.UserContext(), ledger.TransactionFilter{
		AccountID: id,
		Limit:     recentActivity,
	})
	if err != nil {
		return h.internal(c, "list transactions failed", err)
	}
	return c.JSON(fiber.Map{
		"user":                httputil.ToAccountPayload(acct),
		"recent_transactions": httputil.Transactions(recent),
	})
}

func (h *accountsHandler) credit(c *fiber.Ctx) error {
	var req tokenAdjustmentRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Tokens <= 0 {
		return httputil.WriteErrorBody(c, fiber.StatusBadRequest, "invalid_amount", "tokens must be positive", nil)
	}
	id := strings.TrimSpace(c.Params("id"))
	acct, txn, err := h.container.CreditAccount(c.UserContext(), id, req.Tokens, req.Reason)
	if err != nil {
		return h.accountError(c, err)
	}
	h.container.Logger.InfoContext(c.UserContext(), "admin credited account",
		slog.String("account_id", id),
		slog.Int64("tokens", req.Tokens),
	)
	return c.JSON(fiber.Map{
		"success":        true,
		"message":        fmt.Sprintf("%d tokens added", req.Tokens),
		"user":           httputil.ToAccountPayload(acct),
		"transaction_id": txn.ID,
	})
}

func (h *accountsHandler) refund(c *fiber.Ctx) error {
	var req tokenAdjustmentRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Tokens <= 0 {
		return httputil.WriteErrorBody(c, fiber.StatusBadRequest, "invalid_amount", "tokens must be positive", nil)
	}
	id := strings.TrimSpace(c.Params("id"))
	acct, txn, err := h.container.RefundAccount(c.UserContext(), id, req.Tokens, req.Reason)
	if err != nil {
		return h.accountError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":        true,
		"refunded":       -txn.Delta,
		"user":           httputil.ToAccountPayload(acct),
		"transaction_id": txn.ID,
	})
}

func (h *accountsHandler) setStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := c.BodyParser(&req); err != nil || req.Active == nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "active flag required")
	}
	acct, err := h.container.Ledger.SetActive(c.UserContext(), strings.TrimSpace(c.Params("id")), *req.Active)
	if err != nil {
		return h.accountError(c, err)
	}
	return c.JSON(fiber.Map{"user": httputil.ToAccountPayload(acct)})
}

func (h *accountsHandler) reconcile(c *fiber.Ctx) error {
	rec, err := h.container.Ledger.Reconcile(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return h.accountError(c, err)
	}
	return c.JSON(rec)
}

func (h *accountsHandler) stats(c *fiber.Ctx) error {
	stats, err := h.container.Ledger.Stats(c.UserContext())
	if err != nil {
		return h.internal(c, "stats failed", err)
	}
	return c.JSON(fiber.Map{
		"users":     stats.Users,
		"tokens":    stats.Tokens,
		"activity":  fiber.Map{"transactions_today": stats.TransactionsToday},
		"timestamp": time.Now().UTC(),
	})
}

func (h *accountsHandler) accountError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return httputil.WriteErrorBody(c, fiber.StatusNotFound, "user_not_found", "account not found", nil)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return httputil.WriteErrorBody(c, fiber.StatusBadRequest, "invalid_amount", err.Error(), nil)
	default:
		return h.internal(c, "account operation failed", err)
	}
}

func (h *accountsHandler) internal(c *fiber.Ctx, msg string, err error) error {
	h.container.Logger.ErrorContext(c.UserContext(), msg, slog.String("error", err.Error()))
	return httputil.WriteError(c, fiber.StatusInternalServerError, "internal server error")
}
