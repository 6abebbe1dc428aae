package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xrayvision/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// SetDemographics caches the clinical-records demographics lookup for one
// patient identifier.
func (c *Client) SetDemographics(ctx context.Context, cnp string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal demographics: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("demographics:%s", cnp), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set demographics cache: %w", err)
	}

	logger.Debug("Demographics cached", zap.String("cnp", cnp), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetDemographics(ctx context.Context, cnp string, value interface{}) (bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("demographics:%s", cnp)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get demographics cache: %w", err)
	}

	err = json.Unmarshal(data, value)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal demographics: %w", err)
	}

	logger.Debug("Demographics cache hit", zap.String("cnp", cnp))
	return true, nil
}

// SetReport caches a fetched radiology report keyed by patient and study.
func (c *Client) SetReport(ctx context.Context, cnp, studyUID string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("report:%s:%s", cnp, studyUID), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set report cache: %w", err)
	}

	logger.Debug("Report cached", zap.String("cnp", cnp), zap.String("study", studyUID))
	return nil
}

func (c *Client) GetReport(ctx context.Context, cnp, studyUID string, value interface{}) (bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("report:%s:%s", cnp, studyUID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get report cache: %w", err)
	}

	err = json.Unmarshal(data, value)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal report: %w", err)
	}

	logger.Debug("Report cache hit", zap.String("cnp", cnp), zap.String("study", studyUID))
	return true, nil
}

// InvalidatePatient drops every cached entry for one patient.
func (c *Client) InvalidatePatient(ctx context.Context, cnp string) error {
	for _, pattern := range []string{
		fmt.Sprintf("demographics:%s", cnp),
		fmt.Sprintf("report:%s:*", cnp),
	} {
		iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				logger.Warn("Failed to delete cache key", zap.Error(err))
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to iterate cache keys: %w", err)
		}
	}
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
