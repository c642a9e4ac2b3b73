package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func noBackoff(t *testing.T) {
	t.Helper()
	orig := retryBackoff
	retryBackoff = func(int) time.Duration { return 0 }
	t.Cleanup(func() { retryBackoff = orig })
}

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &called
}

func TestDispatchMatchesEvents(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]Webhook{
		{URL: srv.URL, Format: "generic", Events: []string{EventDenied}},
	})
	d.Dispatch(Event{Type: EventDenied, Operation: "D", Classification: "confidential"})
	d.Dispatch(Event{Type: EventNotification, Operation: "A", Classification: "public"})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	srv1, called1 := countingServer(t, http.StatusOK)
	srv2, called2 := countingServer(t, http.StatusOK)

	d := NewDispatcher([]Webhook{
		{URL: srv1.URL, Events: []string{EventApprovalRequired}},
		{URL: srv2.URL, Format: "slack", Events: []string{EventDenied, EventApprovalRequired}},
	})
	d.Dispatch(Event{Type: EventApprovalRequired, ApprovalKey: "apr-1"})
	d.Wait()

	if called1.Load() != 1 || called2.Load() != 1 {
		t.Errorf("expected both webhooks called once, got %d and %d", called1.Load(), called2.Load())
	}
}

func TestNilDispatcher(t *testing.T) {
	d := NewDispatcher(nil)
	if d != nil {
		t.Fatal("expected nil dispatcher without webhooks")
	}
	d.Dispatch(Event{Type: EventDenied})
	d.Wait()
}

func TestSendHeaders(t *testing.T) {
	var auth, ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		ctype = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := Webhook{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t0k"}}
	if err := Send(context.Background(), hook, Event{Type: EventDenied}); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer t0k" || ctype != "application/json" {
		t.Errorf("unexpected headers auth=%q content-type=%q", auth, ctype)
	}
}

func TestRetryOnServerError(t *testing.T) {
	noBackoff(t)
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := Send(context.Background(), Webhook{URL: srv.URL}, Event{Type: EventDenied}); err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestGiveUpAfterMaxRetries(t *testing.T) {
	noBackoff(t)
	srv, attempts := countingServer(t, http.StatusBadGateway)

	err := Send(context.Background(), Webhook{URL: srv.URL}, Event{Type: EventDenied})
	if err == nil || !strings.Contains(err.Error(), "HTTP 502") {
		t.Fatalf("expected 502 failure, got %v", err)
	}
	if attempts.Load() != maxRetries {
		t.Errorf("expected %d attempts, got %d", maxRetries, attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	srv, attempts := countingServer(t, http.StatusBadRequest)

	if err := Send(context.Background(), Webhook{URL: srv.URL}, Event{Type: EventDenied}); err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestSendStopsOnCancel(t *testing.T) {
	srv, _ := countingServer(t, http.StatusServiceUnavailable)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Send(ctx, Webhook{URL: srv.URL}, Event{Type: EventDenied}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := Event{
		Type:           EventDenied,
		Timestamp:      "2026-01-15T14:00:00Z",
		ProfileID:      "rmacd-3d-security-responder",
		Operation:      "D",
		Classification: "internal",
		Reason:         "operation not permitted",
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}
	var parsed Event
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.Type != EventDenied || parsed.ProfileID != event.ProfileID {
		t.Errorf("unexpected round trip %+v", parsed)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	data, err := FormatPayload("slack", Event{
		Type:           EventApprovalRequired,
		Operation:      "R",
		Classification: "restricted",
		AutonomyLevel:  "approval",
		ApprovalKey:    "apr-42",
	})
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}
	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %v", parsed["blocks"])
	}
	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %v", header["type"])
	}
	if !strings.Contains(string(data), "restricted/R") || !strings.Contains(string(data), "rmacd approve apr-42") {
		t.Errorf("slack payload missing cell or approve hint: %s", data)
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Event{Type: EventEmergencyDeclared}, "critical"},
		{Event{Type: EventDenied, AutonomyLevel: "prohibited"}, "error"},
		{Event{Type: EventApprovalRequired, AutonomyLevel: "approval"}, "warning"},
		{Event{Type: EventNotification, AutonomyLevel: "notification"}, "info"},
	}
	for _, tt := range tests {
		data, err := FormatPayload("pagerduty", tt.event)
		if err != nil {
			t.Fatal(err)
		}
		var parsed struct {
			Payload struct {
				Severity string `json:"severity"`
				Source   string `json:"source"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatal(err)
		}
		if parsed.Payload.Severity != tt.want || parsed.Payload.Source != "rmacd" {
			t.Errorf("%s/%s: got severity %q source %q, want %q",
				tt.event.Type, tt.event.AutonomyLevel, parsed.Payload.Severity, parsed.Payload.Source, tt.want)
		}
	}
}

func TestWebhookValidate(t *testing.T) {
	valid := Webhook{URL: "https://hooks.example.com/x", Format: "slack", Events: []string{EventDenied}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := []Webhook{
		{URL: "not a url", Events: []string{EventDenied}},
		{URL: "ftp://example.com", Events: []string{EventDenied}},
		{URL: "https://example.com", Format: "teams", Events: []string{EventDenied}},
		{URL: "https://example.com"},
		{URL: "https://example.com", Events: []string{"deny"}},
	}
	for _, w := range bad {
		if err := w.Validate(); err == nil {
			t.Errorf("expected error for %+v", w)
		}
	}
}
