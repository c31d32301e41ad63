// Package config handles parsing and validation of the export job
// service's runtime configuration, following the same
// load-into-a-flat-struct-then-Validate shape this codebase has always
// used for its operational tooling.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds every tunable named across the component design: pool
// sizing, polling/heartbeat cadence, batch sizes, timeouts, and the queue
// and bucket names the service binds to at startup.
type Config struct {
	Region string // AWS region for S3/SQS clients

	JobsQueueURL     string // export-jobs queue URL
	OverflowQueueURL string // download-tasks-overflow queue URL
	OutputBucket     string // destination bucket for re-uploaded artifacts

	ProviderBaseURL string // export provider HTTP base URL
	WorkflowBaseURL string // workflow engine callback HTTP base URL

	DynamoDBTable       string // job state table; empty runs against an in-memory repository
	DynamoDBStatusIndex string // GSI used for FindByStatus queries

	PoolSize          int // fixed executor count for the worker pool
	MaxConcurrentJobs int // poolSize + backlog capacity
	DispatchBatchSize int // batch size for routing dispatched URLs, default 25

	MaxPollingAttempts int           // default 120
	PollingInterval    time.Duration // default 5s
	HeartbeatInterval  time.Duration // default 30s
	OverflowBackoff    time.Duration // default 1s

	ProviderTimeout time.Duration // provider status call timeout, default 30s
	WorkflowTimeout time.Duration // workflow callback timeout, default 10s
	DownloadTimeout time.Duration // per-request download timeout, default 5m
	UploadPartSize  int64         // multipart upload part size, default 8 MiB

	ShutdownGrace time.Duration // pool/consumer shutdown grace period

	DryRun bool // if true, skip the final workflow callback (diagnostic runs)
}

// Default returns a Config populated with every default named in the
// component design. Callers still need to fill in Region, queue URLs,
// bucket, and upstream base URLs before calling Validate.
func Default() Config {
	return Config{
		PoolSize:           4,
		MaxConcurrentJobs:  16,
		DispatchBatchSize:  25,
		MaxPollingAttempts: 120,
		PollingInterval:    5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		OverflowBackoff:    time.Second,
		ProviderTimeout:    30 * time.Second,
		WorkflowTimeout:    10 * time.Second,
		DownloadTimeout:    5 * time.Minute,
		UploadPartSize:     8 * 1024 * 1024,
		ShutdownGrace:      30 * time.Second,
	}
}

// Validate ensures all required fields are present and internally
// consistent, including the heartbeat-timeout-vs-interval requirement from
// the heartbeat loop's design.
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.JobsQueueURL == "" {
		return fmt.Errorf("jobs queue URL is required")
	}
	if c.OverflowQueueURL == "" {
		return fmt.Errorf("overflow queue URL is required")
	}
	if c.OutputBucket == "" {
		return fmt.Errorf("output bucket is required")
	}
	if c.ProviderBaseURL == "" {
		return fmt.Errorf("provider base URL is required")
	}
	if !strings.HasPrefix(c.ProviderBaseURL, "http://") && !strings.HasPrefix(c.ProviderBaseURL, "https://") {
		return fmt.Errorf("provider base URL must be http(s)")
	}
	if c.WorkflowBaseURL == "" {
		return fmt.Errorf("workflow base URL is required")
	}
	if !strings.HasPrefix(c.WorkflowBaseURL, "http://") && !strings.HasPrefix(c.WorkflowBaseURL, "https://") {
		return fmt.Errorf("workflow base URL must be http(s)")
	}

	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be at least 1")
	}
	if c.MaxConcurrentJobs < c.PoolSize {
		return fmt.Errorf("max concurrent jobs must be >= pool size")
	}
	if c.DispatchBatchSize < 1 {
		return fmt.Errorf("dispatch batch size must be at least 1")
	}

	if c.MaxPollingAttempts < 1 {
		return fmt.Errorf("max polling attempts must be at least 1")
	}
	if c.PollingInterval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("provider timeout must be positive")
	}
	if c.WorkflowTimeout <= 0 {
		return fmt.Errorf("workflow timeout must be positive")
	}
	// The workflow engine's own heartbeat timeout must be configured to at
	// least twice HeartbeatInterval so a single missed tick does not end
	// the task; this service cannot enforce that on the remote engine, so
	// it instead refuses to start with a workflow call timeout longer than
	// the interval itself, which would make every tick race its own call.
	if c.WorkflowTimeout > c.HeartbeatInterval {
		return fmt.Errorf("workflow callback timeout must not exceed heartbeat interval")
	}
	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("download timeout must be positive")
	}
	if c.UploadPartSize < 5*1024*1024 {
		return fmt.Errorf("upload part size must be at least 5 MiB")
	}

	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown grace must be positive")
	}

	return nil
}
