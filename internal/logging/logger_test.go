package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"paddleduel/broker/internal/config"
)

func TestWriterLoggerEmitsStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, InfoLevel).With(String("session_id", "abc"))

	logger.Debug("hidden")
	logger.Info("session started", Int64("p1", 7), Error(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one record, got %d: %q", len(lines), buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["message"] != "session started" || record["level"] != "info" {
		t.Fatalf("unexpected record header: %v", record)
	}
	if record["session_id"] != "abc" || record["service"] != ServiceName {
		t.Fatalf("expected inherited fields, got %v", record)
	}
	if record["p1"].(float64) != 7 || record["error"] != "boom" {
		t.Fatalf("unexpected fields: %v", record)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("chatty"); err == nil {
		t.Fatal("expected unknown level to fail")
	}
	level, err := ParseLevel(" WARNING ")
	if err != nil || level != WarnLevel {
		t.Fatalf("expected warn level, got %v (%v)", level, err)
	}
}

func TestHTTPTraceMiddlewarePropagatesHeader(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
		if LoggerFromContext(r.Context()) == nil {
			t.Fatalf("expected context logger")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "trace-123" || rec.Header().Get(TraceIDHeader) != "trace-123" {
		t.Fatalf("trace not propagated: ctx=%q header=%q", seen, rec.Header().Get(TraceIDHeader))
	}
}

func TestLoggerFromContextFallsBack(t *testing.T) {
	if LoggerFromContext(context.Background()) != L() {
		t.Fatal("expected global logger fallback")
	}
}

func TestRotatingWriterCompressesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.log")
	writer, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, Compress: true})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	//1.- Shrink the threshold so a couple of writes trigger a rollover.
	writer.maxSize = 16

	if _, err := writer.Write([]byte("first record....\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := writer.Write([]byte("second record\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	matches, err := filepath.Glob(path + ".*.gz")
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one compressed backup, got %v (%v)", matches, err)
	}
	file, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer file.Close()
	reader, err := gzip.NewReader(file)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	contents, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(contents) != "first record....\n" {
		t.Fatalf("unexpected backup contents %q", contents)
	}
	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "second record\n" {
		t.Fatalf("unexpected current contents %q", current)
	}
}
