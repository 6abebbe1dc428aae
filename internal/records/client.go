package records

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	cache "github.com/xrayvision/backend/internal/cache/redis"
	"github.com/xrayvision/backend/pkg/config"
	"github.com/xrayvision/backend/pkg/logger"
	"github.com/xrayvision/backend/pkg/retry"
)

// Demographics is the patient record returned by the clinical-records
// service.
type Demographics struct {
	CNP       string `json:"cnp"`
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	BirthDate string `json:"birth_date"`
	Sex       string `json:"sex"`
}

// Report is an existing radiologist report fetched for one study.
type Report struct {
	Text          string `json:"text"`
	Positive      int    `json:"positive"`
	Severity      int    `json:"severity"`
	Radiologist   string `json:"radiologist"`
	Justification string `json:"justification"`
}

// UnmarshalJSON defaults the tri-state fields to -1 when the service omits
// them, so an absent verdict is never mistaken for an assessed zero.
func (r *Report) UnmarshalJSON(data []byte) error {
	var wire struct {
		Text          string `json:"text"`
		Positive      *int   `json:"positive"`
		Severity      *int   `json:"severity"`
		Radiologist   string `json:"radiologist"`
		Justification string `json:"justification"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	r.Text = wire.Text
	r.Radiologist = wire.Radiologist
	r.Justification = wire.Justification
	r.Positive = -1
	if wire.Positive != nil {
		r.Positive = *wire.Positive
	}
	r.Severity = -1
	if wire.Severity != nil {
		r.Severity = *wire.Severity
	}
	return nil
}

// Summary is the AI condensation of a free-text report, with the model
// that produced it for provenance.
type Summary struct {
	Text  string `json:"summary"`
	Model string `json:"model"`
}

// Client performs read-only lookups against the clinical-records service.
// Lookups are cached in redis when a cache is attached; a cache miss or a
// missing cache falls through to the service.
type Client struct {
	baseURL     string
	http        *http.Client
	cache       *cache.Client
	cacheTTL    time.Duration
	retryConfig retry.Config
}

func NewClient(cfg config.RecordsConfig, cacheClient *cache.Client) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		cache:    cacheClient,
		cacheTTL: time.Duration(cfg.CacheTTLMin) * time.Minute,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("records service unreachable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("records service returned %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// ErrNotFound reports that the records service has no entry for the query.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "record not found" }

// Demographics fetches the patient record for a national identifier.
func (c *Client) Demographics(ctx context.Context, cnp string) (*Demographics, error) {
	if !ValidCNP(cnp) {
		return nil, fmt.Errorf("invalid patient identifier")
	}

	var d Demographics
	if c.cache != nil {
		if hit, err := c.cache.GetDemographics(ctx, cnp, &d); err == nil && hit {
			return &d, nil
		}
	}

	if err := c.getJSON(ctx, "/api/patients/"+url.PathEscape(cnp), &d); err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetDemographics(ctx, cnp, &d, c.cacheTTL); err != nil {
			logger.Warn("Failed to cache demographics", zap.Error(err))
		}
	}
	return &d, nil
}

// Report fetches the radiologist report written for one study, if any.
func (c *Client) Report(ctx context.Context, cnp, studyUID string) (*Report, error) {
	var r Report
	if c.cache != nil {
		if hit, err := c.cache.GetReport(ctx, cnp, studyUID, &r); err == nil && hit {
			return &r, nil
		}
	}

	path := fmt.Sprintf("/api/patients/%s/reports/%s", url.PathEscape(cnp), url.PathEscape(studyUID))
	if err := c.getJSON(ctx, path, &r); err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetReport(ctx, cnp, studyUID, &r, c.cacheTTL); err != nil {
			logger.Warn("Failed to cache report", zap.Error(err))
		}
	}
	return &r, nil
}

// Summarize asks the records service to condense a free-text report.
func (c *Client) Summarize(ctx context.Context, text string) (*Summary, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var s Summary
	err = retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/summarize", strings.NewReader(string(payload)))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("records service unreachable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("records service returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&s)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}
