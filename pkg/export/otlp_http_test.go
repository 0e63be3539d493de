// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mbeema/photonring/pkg/alert"
	"github.com/mbeema/photonring/pkg/config"
	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
)

func newTestHTTPExporter(t *testing.T, compression string, handler http.HandlerFunc) (*HTTPOTLPExporter, *httptest.Server) {
	ts := httptest.NewServer(handler)
	cfg := &config.OTLPConfig{
		Endpoint:    strings.TrimPrefix(ts.URL, "http://"),
		Protocol:    "http",
		Compression: compression,
		Insecure:    true,
		Headers:     map[string]string{"Authorization": "Bearer t0k3n"},
	}
	exp, err := NewHTTPOTLPExporter(cfg, "1.0.0", nil)
	if err != nil {
		t.Fatalf("NewHTTPOTLPExporter: %v", err)
	}
	return exp, ts
}

func testEvents(t *testing.T) []*alert.Event {
	recs := alertsFor(t, "kallsyms_lookup_name")
	return []*alert.Event{
		alert.NewEvent(1, &recs[0], time.Now()),
		alert.NewEvent(2, &recs[1], time.Now()),
	}
}

func TestHTTPExporterLogs(t *testing.T) {
	var receivedPath, receivedAuth, receivedType string
	var receivedBody []byte

	exp, ts := newTestHTTPExporter(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		receivedAuth = r.Header.Get("Authorization")
		receivedType = r.Header.Get("Content-Type")
		gz, _ := gzip.NewReader(r.Body)
		defer gz.Close()
		receivedBody, _ = io.ReadAll(gz)
		w.WriteHeader(http.StatusOK)
	})
	defer ts.Close()

	if err := exp.ExportEvents(context.Background(), testEvents(t)); err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}

	if receivedPath != "/v1/logs" {
		t.Errorf("expected path /v1/logs, got %s", receivedPath)
	}
	if receivedAuth != "Bearer t0k3n" {
		t.Errorf("expected configured header, got %q", receivedAuth)
	}
	if receivedType != "application/x-protobuf" {
		t.Errorf("unexpected content type %q", receivedType)
	}

	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(receivedBody, &req); err != nil {
		t.Fatalf("unmarshal logs request: %v", err)
	}
	if len(req.ResourceLogs) != 1 {
		t.Fatalf("expected 1 ResourceLogs, got %d", len(req.ResourceLogs))
	}
	if n := len(req.ResourceLogs[0].ScopeLogs[0].LogRecords); n != 2 {
		t.Errorf("expected 2 log records, got %d", n)
	}
}

func TestHTTPExporterNoCompression(t *testing.T) {
	var receivedEncoding string
	var receivedBody []byte

	exp, ts := newTestHTTPExporter(t, "none", func(w http.ResponseWriter, r *http.Request) {
		receivedEncoding = r.Header.Get("Content-Encoding")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	defer ts.Close()

	if err := exp.ExportEvents(context.Background(), testEvents(t)); err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}

	if receivedEncoding != "" {
		t.Errorf("expected no Content-Encoding header, got %q", receivedEncoding)
	}
	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(receivedBody, &req); err != nil {
		t.Fatalf("unmarshal uncompressed body: %v", err)
	}
}

func TestHTTPExporterEmptyBatch(t *testing.T) {
	exp, ts := newTestHTTPExporter(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not be called for an empty batch")
	})
	defer ts.Close()

	if err := exp.ExportEvents(context.Background(), nil); err != nil {
		t.Errorf("ExportEvents with nil: %v", err)
	}
}

func TestHTTPExporterServerError(t *testing.T) {
	exp, ts := newTestHTTPExporter(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer ts.Close()

	if err := exp.ExportEvents(context.Background(), testEvents(t)); err == nil {
		t.Error("expected error for 500 response")
	}
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
