package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendSignsEvent(t *testing.T) {
	var (
		gotSig  string
		gotTS   string
		gotEvt  string
		gotBody []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{
		SigningSecret: "test-secret",
		Timeout:       2 * time.Second,
		MaxAttempts:   1,
	})

	err := client.Send(context.Background(), srv.URL, Event{ID: "batch_1", Type: EventBatchArchived, Data: map[string]any{"succeeded": 2}})
	if err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if gotEvt != EventBatchArchived {
		t.Fatalf("expected event header %s, got %q", EventBatchArchived, gotEvt)
	}
	if !Verify("test-secret", gotTS, gotBody, gotSig) {
		t.Fatal("expected signature to verify")
	}
	if Verify("other-secret", gotTS, gotBody, gotSig) {
		t.Fatal("signature must not verify with another secret")
	}

	var event Event
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if event.ID != "batch_1" || event.CreatedAt.IsZero() {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(Config{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
	if err := client.Send(context.Background(), srv.URL, Event{Type: EventBatchArchived}); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 2, InitialBackoff: time.Millisecond})
	if err := client.Send(context.Background(), srv.URL, Event{Type: EventBatchArchived}); err == nil {
		t.Fatal("expected delivery failure")
	}
}

func TestSendWithoutEndpointIsNoop(t *testing.T) {
	client := NewClient(Config{})
	if err := client.Send(context.Background(), "  ", Event{Type: EventBatchArchived}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
