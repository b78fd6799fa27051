package public

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/metering_gateway/internal/alerts"
	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/httpserver/httputil"
	"github.com/ncecere/metering_gateway/internal/ledger"
	"github.com/ncecere/metering_gateway/internal/timeutil"
)

const (
	recentTransactions = 10
	usageDefaultLimit  = 50
	usageMaxLimit      = 200
	alertsLimit        = 20
	projectionDays     = 30
	defaultUsagePeriod = "7d"
)

type userHandler struct {
	container *app.Container
}

func (h *userHandler) info(c *fiber.Ctx) error {
	rc, ok := requestContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "request context missing")
	}
	ctx := userContext(c)

	recent, err := h.container.Ledger.Transactions(ctx, ledger.TransactionFilter{
		AccountID: rc.AccountID,
		Limit:     recentTransactions,
	})
	if err != nil {
		return h.internal(c, "list transactions failed", rc.AccountID, err)
	}

	window, err := timeutil.NewWindow(c.Query("period", defaultUsagePeriod), h.container.Ledger.Now())
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "period must look like 7d or 24h")
	}
	daily, err := h.container.Ledger.DailyUsage(ctx, rc.AccountID, window)
	if err != nil {
		return h.internal(c, "daily usage failed", rc.AccountID, err)
	}

	return c.JSON(fiber.Map{
		"user_info":           httputil.ToAccountPayload(rc.Account),
		"recent_transactions": httputil.Transactions(recent),
		"daily_usage":         daily,
		"usage_period":        window.Period(),
		"monthly_projection":  daily * projectionDays,
	})
}

func (h *userHandler) usage(c *fiber.Ctx) error {
	rc, ok := requestContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "request context missing")
	}
	limit := c.QueryInt("limit", usageDefaultLimit)
	if limit <= 0 {
		limit = usageDefaultLimit
	}
	if limit > usageMaxLimit {
		limit = usageMaxLimit
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	txns, err := h.container.Ledger.Transactions(userContext(c), ledger.TransactionFilter{
		AccountID: rc.AccountID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return h.internal(c, "list transactions failed", rc.AccountID, err)
	}
	acct := rc.Account
	return c.JSON(fiber.Map{
		"user_id":      acct.ID,
		"transactions": httputil.Transactions(txns),
		"limit":        limit,
		"offset":       offset,
		"summary": fiber.Map{
			"total_tokens":     acct.TotalTokens,
			"used_tokens":      acct.UsedTokens,
			"remaining_tokens": acct.Remaining(),
			"usage_percentage": acct.UsagePercent(),
		},
	})
}

func (h *userHandler) listAlerts(c *fiber.Ctx) error {
	rc, ok := requestContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "request context missing")
	}
	list, err := h.container.Alerts.List(userContext(c), rc.AccountID, alertsLimit)
	if err != nil {
		return h.internal(c, "list alerts failed", rc.AccountID, err)
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	return c.JSON(fiber.Map{"alerts": list})
}

func (h *userHandler) internal(c *fiber.Ctx, msg, accountID string, err error) error {
	h.container.Logger.ErrorContext(userContext(c), msg,
		slog.String("account_id", accountID),
		slog.String("error", err.Error()),
	)
	return httputil.WriteErrorBody(c, fiber.StatusInternalServerError, "internal_error", "internal server error", nil)
}
