package worker

import (
	"fmt"
	"time"
)

// Config holds the configuration for a background pool.
type Config struct {
	// Workers is the number of goroutines draining the queue.
	// Default: 4
	Workers int

	// QueueSize bounds the number of pending tasks. Submit drops tasks once
	// the queue is full.
	// Default: 1024
	QueueSize int

	// TaskTimeout bounds a single task's context.
	// Default: 10 seconds
	TaskTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   1024,
		TaskTimeout: 10 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Workers > 256 {
		return fmt.Errorf("workers too high (max 256), got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %v", c.TaskTimeout)
	}
	return nil
}
