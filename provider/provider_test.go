package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/joberrors"
)

func TestStartExport_ReturnsExportIDFromResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exports" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(startExportResponseWire{ExportID: "export-1"})
	}))
	defer server.Close()

	p := New(server.Client(), server.URL, time.Second)
	id, err := p.StartExport(context.Background(), StartExportRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("StartExport: %v", err)
	}
	if id != "export-1" {
		t.Fatalf("exportID = %q, want export-1", id)
	}
}

func TestGetExportStatus_ReadyIncludesDownloadURLs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(statusResponseWire{
			Status: string(job.ProviderReady),
			DownloadURLs: []downloadURLWire{
				{URL: "https://example.com/a", FileName: "a.bin"},
			},
		})
	}))
	defer server.Close()

	p := New(server.Client(), server.URL, time.Second)
	result, err := p.GetExportStatus(context.Background(), "export-1")
	if err != nil {
		t.Fatalf("GetExportStatus: %v", err)
	}
	if result.Status != job.ProviderReady {
		t.Fatalf("status = %s, want READY", result.Status)
	}
	if len(result.DownloadURLs) != 1 || result.DownloadURLs[0].FileName != "a.bin" {
		t.Fatalf("unexpected download URLs: %+v", result.DownloadURLs)
	}
}

func TestGetExportStatus_ServerErrorIsRetryableProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := New(server.Client(), server.URL, time.Second)
	_, err := p.GetExportStatus(context.Background(), "export-1")
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	kind, ok := joberrors.KindOf(err)
	if !ok || kind != joberrors.KindProviderError {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !joberrors.IsRetryable(err) {
		t.Fatal("expected a 503 to be retryable")
	}
}

func TestGetExportStatus_ClientErrorIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	p := New(server.Client(), server.URL, time.Second)
	_, err := p.GetExportStatus(context.Background(), "export-1")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if joberrors.IsRetryable(err) {
		t.Fatal("expected a 400 to not be retryable")
	}
}

func TestCancelExport_SendsDeleteToExportPath(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := New(server.Client(), server.URL, time.Second)
	if err := p.CancelExport(context.Background(), "export-1"); err != nil {
		t.Fatalf("CancelExport: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/exports/export-1" {
		t.Fatalf("got %s %s, want DELETE /exports/export-1", gotMethod, gotPath)
	}
}

func TestNew_DefaultsTimeoutWhenNonPositive(t *testing.T) {
	p := New(http.DefaultClient, "http://example.com", 0)
	if p.timeout != 30*time.Second {
		t.Fatalf("default timeout = %v, want 30s", p.timeout)
	}
}
