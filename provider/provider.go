// Package provider defines the export provider API contract from section 6
// and an HTTP-backed implementation, grounded on manifest.S3Loader's
// interface/implementation split and defensive nil-body handling.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/joberrors"
)

// DownloadURLInfo is one artifact a READY export makes available, per
// section 6's getExportStatus response shape.
type DownloadURLInfo struct {
	URL               string
	FileName          string
	FileSize          *int64
	Checksum          string
	ChecksumAlgorithm job.ChecksumAlgorithm
}

// StatusResult is the getExportStatus response from section 6.
type StatusResult struct {
	Status                  job.ProviderStatus
	DownloadURLs            []DownloadURLInfo
	ErrorMessage            string
	EstimatedCompletionTime *time.Time
}

// StartExportRequest is the payload for startExport, per section 6. The
// core export-job service does not call StartExport itself (the intake
// path receives an exportId already started) but the interface is part of
// the provider contract external tooling may use.
type StartExportRequest struct {
	UserID   string
	Metadata map[string]any
}

// Provider is the export-provider contract from section 6.
type Provider interface {
	StartExport(ctx context.Context, req StartExportRequest) (exportID string, err error)
	GetExportStatus(ctx context.Context, exportID string) (StatusResult, error)
	CancelExport(ctx context.Context, exportID string) error
}

// HTTPProvider implements Provider over a JSON HTTP API, sharing the
// pooled, keep-alive *http.Client also used by the streaming pipeline's
// downloader (section 5: "a pooled, keep-alive-enabled client").
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
}

// New creates an HTTPProvider. client must be a shared, keep-alive-enabled
// client; timeout bounds each request independently (default 30s per
// section 5) regardless of the client's own timeout configuration.
func New(client *http.Client, baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{client: client, baseURL: baseURL, timeout: timeout}
}

type startExportRequestWire struct {
	UserID   string         `json:"userId"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type startExportResponseWire struct {
	ExportID string `json:"exportId"`
}

func (p *HTTPProvider) StartExport(ctx context.Context, req StartExportRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(startExportRequestWire{UserID: req.UserID, Metadata: req.Metadata})
	if err != nil {
		return "", fmt.Errorf("marshal start export request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/exports", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build start export request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", joberrors.Wrap(joberrors.KindProviderError, "start export request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", joberrors.New(joberrors.KindProviderError, fmt.Sprintf("start export returned status %d", resp.StatusCode)).
			WithRetryable(resp.StatusCode >= 500)
	}

	var out startExportResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode start export response: %w", err)
	}
	return out.ExportID, nil
}

type downloadURLWire struct {
	URL               string `json:"url"`
	FileName          string `json:"fileName"`
	FileSize          *int64 `json:"fileSize,omitempty"`
	Checksum          string `json:"checksum,omitempty"`
	ChecksumAlgorithm string `json:"checksumAlgorithm,omitempty"`
}

type statusResponseWire struct {
	Status                  string            `json:"status"`
	DownloadURLs            []downloadURLWire `json:"downloadUrls,omitempty"`
	ErrorMessage            string            `json:"errorMessage,omitempty"`
	EstimatedCompletionTime *time.Time        `json:"estimatedCompletionTime,omitempty"`
}

func (p *HTTPProvider) GetExportStatus(ctx context.Context, exportID string) (StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/exports/"+exportID, nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("build get export status request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return StatusResult{}, joberrors.Wrap(joberrors.KindProviderError, "get export status request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StatusResult{}, joberrors.New(joberrors.KindProviderError, fmt.Sprintf("get export status returned status %d", resp.StatusCode)).
			WithRetryable(resp.StatusCode >= 500)
	}

	var wire statusResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return StatusResult{}, fmt.Errorf("decode export status response: %w", err)
	}

	result := StatusResult{
		Status:                  job.ProviderStatus(wire.Status),
		ErrorMessage:            wire.ErrorMessage,
		EstimatedCompletionTime: wire.EstimatedCompletionTime,
	}
	for _, u := range wire.DownloadURLs {
		result.DownloadURLs = append(result.DownloadURLs, DownloadURLInfo{
			URL:               u.URL,
			FileName:          u.FileName,
			FileSize:          u.FileSize,
			Checksum:          u.Checksum,
			ChecksumAlgorithm: job.ChecksumAlgorithm(u.ChecksumAlgorithm),
		})
	}
	return result, nil
}

func (p *HTTPProvider) CancelExport(ctx context.Context, exportID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/exports/"+exportID, nil)
	if err != nil {
		return fmt.Errorf("build cancel export request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return joberrors.Wrap(joberrors.KindProviderError, "cancel export request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return joberrors.New(joberrors.KindProviderError, fmt.Sprintf("cancel export returned status %d", resp.StatusCode)).
			WithRetryable(resp.StatusCode >= 500)
	}
	return nil
}
