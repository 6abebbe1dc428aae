package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/xrayvision/backend/internal/pipeline"
	"github.com/xrayvision/backend/internal/storage/models"
	"github.com/xrayvision/backend/internal/storage/sqlite"
	"github.com/xrayvision/backend/pkg/logger"
)

type ExamHandler struct {
	store      *sqlite.Client
	controller *pipeline.Controller
}

func NewExamHandler(store *sqlite.Client, controller *pipeline.Controller) *ExamHandler {
	return &ExamHandler{
		store:      store,
		controller: controller,
	}
}

func examView(e *models.Exam) fiber.Map {
	return fiber.Map{
		"uid":      e.UID,
		"cnp":      e.CNP,
		"created":  e.Created,
		"protocol": e.Protocol,
		"region":   e.Region,
		"type":     e.Type,
		"status":   e.Status,
		"study":    e.Study,
		"series":   e.Series,
	}
}

func (h *ExamHandler) ListExams(c *fiber.Ctx) error {
	status := models.ExamStatus(c.Query("status"))
	region := c.Query("region")
	limit := c.QueryInt("limit", 100)

	exams, err := h.store.ListExams(status, region, limit)
	if err != nil {
		logger.Error("Failed to list exams", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list exams",
		})
	}

	views := make([]fiber.Map, 0, len(exams))
	for i := range exams {
		views = append(views, examView(&exams[i]))
	}

	return c.JSON(fiber.Map{
		"exams": views,
		"count": len(views),
	})
}

func (h *ExamHandler) GetExam(c *fiber.Ctx) error {
	uid := c.Params("uid")

	exam, err := h.store.GetExam(uid)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Exam not found",
		})
	}

	view := examView(exam)
	if ai, err := h.store.GetAIReport(uid); err == nil && ai != nil {
		view["ai_report"] = fiber.Map{
			"text":       ai.Text,
			"positive":   ai.Positive,
			"confidence": ai.Confidence,
			"is_correct": ai.IsCorrect,
			"reviewed":   ai.Reviewed,
			"model":      ai.Model,
			"latency_ms": ai.LatencyMS,
			"created":    ai.Created,
			"updated":    ai.Updated,
		}
	}
	if rad, err := h.store.GetRadReport(uid); err == nil && rad != nil {
		view["rad_report"] = fiber.Map{
			"text":          rad.Text,
			"positive":      rad.Positive,
			"severity":      rad.Severity,
			"summary":       rad.Summary,
			"radiologist":   rad.Radiologist,
			"justification": rad.Justification,
			"model":         rad.Model,
		}
	}

	return c.JSON(view)
}

func (h *ExamHandler) RequeueExam(c *fiber.Ctx) error {
	uid := c.Params("uid")

	ok, err := h.controller.Requeue(uid)
	if err != nil {
		logger.Error("Failed to requeue exam", zap.String("uid", uid), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to requeue exam",
		})
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Exam is not in a requeueable state",
		})
	}

	return c.JSON(fiber.Map{
		"uid":    uid,
		"status": models.StatusQueued,
	})
}

// ReviewExam records the human verdict on an AI report. A review that
// marks the report incorrect sends the exam back through the pipeline.
func (h *ExamHandler) ReviewExam(c *fiber.Ctx) error {
	uid := c.Params("uid")

	var req struct {
		Correct *bool `json:"correct"`
	}
	if err := c.BodyParser(&req); err != nil || req.Correct == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Field 'correct' is required",
		})
	}

	if err := h.store.RecordReview(uid, *req.Correct); err != nil {
		logger.Error("Failed to record review", zap.String("uid", uid), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record review",
		})
	}

	requeued := false
	if !*req.Correct {
		ok, err := h.controller.Requeue(uid)
		if err != nil {
			logger.Warn("Failed to requeue reviewed exam", zap.String("uid", uid), zap.Error(err))
		}
		requeued = ok
	}

	return c.JSON(fiber.Map{
		"uid":      uid,
		"correct":  *req.Correct,
		"requeued": requeued,
	})
}
