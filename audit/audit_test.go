package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/executor"
)

func capture(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return New(slog.New(slog.NewJSONHandler(&buf, nil))), &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode audit record %q: %v", buf.String(), err)
	}
	return rec
}

func TestObserveToolCall(t *testing.T) {
	l, buf := capture(t)
	l.ObserveToolCall(context.Background(), executor.Report{
		Tool:           "pause_campaign",
		SessionID:      "s1",
		UserID:         "u1",
		ConversationID: "c1",
		Dangerous:      true,
		Outcome:        executor.OutcomeApprovalRequired,
		ApprovalID:     "ap-1",
		Duration:       1500 * time.Microsecond,
	})
	rec := decode(t, buf)
	if rec["msg"] != "AUDIT" || rec["operation"] != "tool.call" || rec["audit"] != true {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["tool"] != "pause_campaign" || rec["outcome"] != "approval_required" || rec["success"] != false {
		t.Fatalf("unexpected outcome fields: %v", rec)
	}
	if rec["approval_gate"] != true || rec["approval_id"] != "ap-1" {
		t.Fatalf("approval fields missing: %v", rec)
	}
	if rec["session_id"] != "s1" || rec["user_id"] != "u1" || rec["conversation_id"] != "c1" {
		t.Fatalf("identity fields missing: %v", rec)
	}
	if _, ok := rec["dur"]; !ok {
		t.Fatalf("duration missing: %v", rec)
	}
}

func TestObserveToolCallError(t *testing.T) {
	l, buf := capture(t)
	l.ObserveToolCall(context.Background(), executor.Report{
		Tool:    "get_report",
		Outcome: executor.OutcomeHandlerError,
		Err:     errors.New("upstream 502"),
	})
	rec := decode(t, buf)
	if rec["success"] != false || rec["error"] != "upstream 502" || rec["approval_gate"] != false {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestLogOmitsEmptyFields(t *testing.T) {
	l, buf := capture(t)
	l.Log(context.Background(), Event{Operation: OpAuthReject, RequestID: "r1", Error: "bad secret"})
	rec := decode(t, buf)
	for _, k := range []string{"session_id", "tool", "approval_gate", "dur"} {
		if _, ok := rec[k]; ok {
			t.Errorf("unexpected field %q in %v", k, rec)
		}
	}
	if rec["request_id"] != "r1" || rec["operation"] != "auth.reject" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	New(nil).Log(context.Background(), Event{Operation: OpSessionCreate})
}
