package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestOpHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&opHandler{w: &buf, opID: "op-123"})

	logger.Info("sync pass complete", "uploaded", 3, "conflicts", 0)

	line := strings.TrimSuffix(buf.String(), "\n")
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		t.Fatalf("len(fields) = %d, want 6: %q", len(fields), line)
	}
	if fields[1] != "INFO" {
		t.Errorf("level = %q, want %q", fields[1], "INFO")
	}
	if fields[2] != "op-123" {
		t.Errorf("opID = %q, want %q", fields[2], "op-123")
	}
	if fields[3] != "sync pass complete" {
		t.Errorf("message = %q, want %q", fields[3], "sync pass complete")
	}
	if fields[4] != "uploaded=3" || fields[5] != "conflicts=0" {
		t.Errorf("attrs = %v, want uploaded=3 conflicts=0", fields[4:])
	}
}

func TestOpHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&opHandler{w: &buf, opID: "op-123"})

	logger.With("stable_id", "rec-1").Warn("lock reclaimed", "session", "s2")

	line := buf.String()
	if !strings.Contains(line, "\tstable_id=rec-1\t") {
		t.Errorf("pre-set attr missing from %q", line)
	}
	if !strings.Contains(line, "\tsession=s2") {
		t.Errorf("per-record attr missing from %q", line)
	}
	if !strings.Contains(line, "\tWARN\t") {
		t.Errorf("level missing from %q", line)
	}
}
