// Package client sends machine events to a tinyoee server. Events are
// buffered and posted in batches, one request per event kind.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Config holds configuration for the client
type Config struct {
	Endpoint     string        `json:"endpoint"`
	APIKey       string        `json:"api_key"`
	FlushEvery   time.Duration `json:"flush_every"`
	MaxBatchSize int           `json:"max_batch_size"`
}

// Client records state changes and counts for any number of machines.
type Client struct {
	config  Config
	batcher *Batcher
	started bool
}

// New creates a client. Endpoint defaults to a local server.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.MaxBatchSize < 0 || cfg.FlushEvery < 0 {
		return nil, fmt.Errorf("batch size and flush interval must be positive")
	}

	return &Client{
		config: cfg,
		batcher: NewBatcher(NewHTTP(cfg.Endpoint, cfg.APIKey), BatchConfig{
			MaxBatchSize: cfg.MaxBatchSize,
			FlushEvery:   cfg.FlushEvery,
		}, log),
	}, nil
}

// Start begins periodic flushing.
func (c *Client) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("client already started")
	}
	c.started = true
	c.batcher.Start(ctx)
	return nil
}

// Stop flushes pending events.
func (c *Client) Stop() error {
	return c.batcher.Stop()
}

// State records that a machine entered state at start. The event stays open
// until the next state of the same machine.
func (c *Client) State(equipmentID string, state model.State, reason string, start time.Time) {
	c.batcher.Add(&model.StateEvent{
		EquipmentID: equipmentID,
		State:       state,
		Reason:      reason,
		Start:       start.UTC(),
	})
}

// Production records a unit tally.
func (c *Client) Production(equipmentID string, at time.Time, total, good, reject int64) {
	c.batcher.Add(&model.ProductionCount{
		EquipmentID: equipmentID,
		Timestamp:   at.UTC(),
		Total:       total,
		Good:        good,
		Reject:      reject,
	})
}

// Quality records a defect occurrence.
func (c *Client) Quality(equipmentID string, at time.Time, quantity int64, category string, severity model.Severity) {
	c.batcher.Add(&model.QualityEvent{
		EquipmentID: equipmentID,
		Timestamp:   at.UTC(),
		Quantity:    quantity,
		Category:    category,
		Severity:    severity,
		Disposition: "defect",
	})
}

// Flush sends pending events now.
func (c *Client) Flush() error { return c.batcher.Flush() }

// Stats returns how many events the server accepted and rejected.
func (c *Client) Stats() (accepted, rejected int64) {
	return c.batcher.Accepted(), c.batcher.Rejected()
}
