package handlers

import (
	"crop-ledger/internal/models"
	"crop-ledger/internal/utils"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
)

// idempotent wraps a value-moving handler. The first request under an
// Idempotency-Key runs; retries get the stored response back, or 409 while
// the first is still running. Only 2xx responses are kept, so a rejected call
// can be retried under the same key.
func (h *LedgerHandler) idempotent(endpoint string, next fiber.Handler) fiber.Handler {
	return func(c fiber.Ctx) error {
		key := c.Get(HeaderIdempotencyKey)
		if h.idempotency == nil || key == "" {
			return next(c)
		}
		account := c.Get(HeaderAccount)
		ctx := c.Context()

		reserved, err := h.idempotency.Reserve(ctx, account, endpoint, key)
		if err != nil {
			slog.Error("Failed to reserve idempotency key", "endpoint", endpoint, "key", key, "error", err)
			return c.Status(http.StatusServiceUnavailable).JSON(
				utils.CreateRetryableResponse("IDEMPOTENCY_UNAVAILABLE", "Idempotency store unavailable, retry later"))
		}
		if !reserved {
			return h.replay(c, account, endpoint, key)
		}

		if err := next(c); err != nil {
			h.release(c, account, endpoint, key)
			return err
		}

		status := c.Response().StatusCode()
		if status < 200 || status >= 300 {
			h.release(c, account, endpoint, key)
			return nil
		}
		body := append([]byte(nil), c.Response().Body()...)
		if err := h.idempotency.Save(ctx, account, endpoint, key, &models.StoredResponse{
			Status:   status,
			Body:     body,
			StoredAt: time.Now(),
		}); err != nil {
			// The call already committed; the client still gets its answer.
			slog.Error("Failed to store idempotent response", "endpoint", endpoint, "key", key, "error", err)
		}
		return nil
	}
}

func (h *LedgerHandler) replay(c fiber.Ctx, account, endpoint, key string) error {
	stored, err := h.idempotency.Get(c.Context(), account, endpoint, key)
	if err != nil {
		slog.Error("Failed to load idempotent response", "endpoint", endpoint, "key", key, "error", err)
		return c.Status(http.StatusServiceUnavailable).JSON(
			utils.CreateRetryableResponse("IDEMPOTENCY_UNAVAILABLE", "Idempotency store unavailable, retry later"))
	}
	if stored == nil || stored.Pending {
		return c.Status(http.StatusConflict).JSON(
			utils.CreateRetryableResponse("REQUEST_IN_PROGRESS", "A request with this Idempotency-Key is still running"))
	}

	slog.Info("Replaying idempotent response", "endpoint", endpoint, "key", key, "status", stored.Status)
	c.Set(HeaderReplayed, "true")
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(stored.Status).Send(stored.Body)
}

func (h *LedgerHandler) release(c fiber.Ctx, account, endpoint, key string) {
	if err := h.idempotency.Release(c.Context(), account, endpoint, key); err != nil {
		slog.Warn("Failed to release idempotency key", "endpoint", endpoint, "key", key, "error", err)
	}
}
