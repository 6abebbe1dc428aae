package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xrayvision/backend/pkg/config"
	"github.com/xrayvision/backend/pkg/logger"
)

// Finding is the payload sent when an exam comes back positive.
type Finding struct {
	ExamUID     string `json:"exam_uid"`
	PatientName string `json:"patient_name"`
	Region      string `json:"region"`
	Description string `json:"description"`
	Confidence  int    `json:"confidence"`
	CreatedAt   string `json:"created_at"`
}

// Client delivers positive-finding notifications. Delivery is
// fire-and-forget: a failure is logged and dropped, it never blocks or
// fails the processing worker.
type Client struct {
	url     string
	enabled bool
	http    *http.Client
}

func NewClient(cfg config.NotifyConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		http:    &http.Client{Timeout: timeout},
	}
}

// NotifyPositive posts the finding in the background.
func (c *Client) NotifyPositive(f Finding) {
	if !c.enabled {
		return
	}
	go c.deliver(f)
}

func (c *Client) deliver(f Finding) {
	payload, err := json.Marshal(f)
	if err != nil {
		logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		logger.Error("Failed to build notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warn("Notification delivery failed",
			zap.String("exam_uid", f.ExamUID),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Warn("Notification rejected",
			zap.String("exam_uid", f.ExamUID),
			zap.Int("status", resp.StatusCode),
		)
		return
	}

	logger.Debug("Notification delivered", zap.String("exam_uid", f.ExamUID))
}
