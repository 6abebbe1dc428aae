package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/xrayvision/backend/internal/stats"
	"github.com/xrayvision/backend/internal/storage/sqlite"
	"github.com/xrayvision/backend/pkg/logger"
)

type StatsHandler struct {
	store *sqlite.Client
}

func NewStatsHandler(store *sqlite.Client) *StatsHandler {
	return &StatsHandler{store: store}
}

func (h *StatsHandler) GetStats(c *fiber.Ctx) error {
	overview, err := stats.Compute(h.store)
	if err != nil {
		logger.Error("Failed to compute statistics", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute statistics",
		})
	}
	return c.JSON(overview)
}
