package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/xrayvision/backend/internal/ingest"
	"github.com/xrayvision/backend/pkg/logger"
)

type RetrieveHandler struct {
	scheduler *ingest.Scheduler
}

func NewRetrieveHandler(scheduler *ingest.Scheduler) *RetrieveHandler {
	return &RetrieveHandler{scheduler: scheduler}
}

// TriggerRetrieve starts an on-demand archive retrieval with an explicit
// lookback window. The batch runs in the background; the response only
// acknowledges the trigger.
func (h *RetrieveHandler) TriggerRetrieve(c *fiber.Ctx) error {
	var req struct {
		LookbackHours int `json:"lookback_hours"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.LookbackHours < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "lookback_hours must be positive",
		})
	}

	go func(hours int) {
		if err := h.scheduler.Retrieve(context.Background(), hours); err != nil {
			logger.Warn("On-demand retrieval failed", zap.Error(err))
		}
	}(req.LookbackHours)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":         "retrieval started",
		"lookback_hours": req.LookbackHours,
	})
}
