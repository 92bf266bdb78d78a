package errors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
)

func TestHasCodeWalksWrappedChain(t *testing.T) {
	inner := New(CodeStorageFailure, "write failed")
	outer := fmt.Errorf("update transaction: %w", inner)
	if !HasCode(outer, CodeStorageFailure) {
		t.Fatalf("code lost through fmt wrapping")
	}
	if HasCode(outer, CodeConflict) {
		t.Fatalf("matched the wrong code")
	}
	if CodeOf(outer) != CodeStorageFailure {
		t.Fatalf("CodeOf = %s", CodeOf(outer))
	}
	if CodeOf(fmt.Errorf("plain")) != CodeUnknown {
		t.Fatalf("foreign errors must map to UNKNOWN")
	}
}

func TestRegisteredAttributes(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning, Retryable: true, Alert: true})

	err := New(code, "")
	if err.Message() != "registered" {
		t.Fatalf("default message = %q", err.Message())
	}
	if !RetryableError(err) || !ShouldAlert(code) {
		t.Fatalf("registered flags ignored")
	}
	if RetryableError(New(code, "x", WithRetryable(false))) {
		t.Fatalf("override ignored")
	}
	if Level(code) != slog.LevelWarn || Level(CodeInvalidArgument) != slog.LevelInfo || Level("NEVER_REGISTERED") != slog.LevelError {
		t.Fatalf("severity to level mapping broken")
	}

	found := false
	for _, c := range Registered() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered code not listed")
	}
}

func TestLogValueKeepsCodeAndMetadata(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	err := Wrap(CodeQueueFailure, fmt.Errorf("connection reset"), "publish", WithMetadata("tx_id", "t1"))
	log.Info("failed", slog.Any("error", err))

	var record struct {
		Error map[string]string `json:"error"`
	}
	if jerr := json.Unmarshal(buf.Bytes(), &record); jerr != nil {
		t.Fatalf("decode log line: %v", jerr)
	}
	if record.Error["code"] != string(CodeQueueFailure) || record.Error["tx_id"] != "t1" || record.Error["cause"] != "connection reset" {
		t.Fatalf("unexpected log fields %v", record.Error)
	}
}
