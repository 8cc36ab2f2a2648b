package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestConfigure(t *testing.T) {
	defer func() { _ = Configure("info", "text") }()

	if err := Configure("debug", "json"); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := Configure("loud", "text"); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := Configure("info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	base.SetOutput(&buf)
	defer base.SetOutput(os.Stdout)
	if err := Configure("debug", "json"); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	defer func() { _ = Configure("info", "text") }()

	NewLogger("Detector").WithJob("job-1").Info("page done", "page", 3, "origin", "fallback")

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["component"] != "Detector" || line["job_id"] != "job-1" {
		t.Errorf("missing context fields: %v", line)
	}
	if line["page"] != float64(3) || line["origin"] != "fallback" {
		t.Errorf("missing kv fields: %v", line)
	}
	if !strings.Contains(line["msg"].(string), "page done") {
		t.Errorf("msg = %v", line["msg"])
	}
}
