package recognize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/dunamismax/cardscan/internal/provider"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"not configured", provider.ErrNotConfigured, KindConfig},
		{"upstream", &provider.UpstreamError{Status: 503, Body: []byte(`{"error":"busy"}`)}, KindUpstream},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), KindTimeout},
		{"network", errors.New("connection refused"), KindUpstream},
		{"already classified", &Error{Kind: KindParse}, KindParse},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.kind, got)
		}
	}
	if KindOf(nil) != "" {
		t.Fatal("expected empty kind for nil")
	}
}

func TestClassifyKeepsUpstreamPayload(t *testing.T) {
	err := Classify(&provider.UpstreamError{Status: http.StatusUnauthorized, Body: []byte(`{"error": {"code": "AuthenticationError"}}`)})

	if err.Status != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", err.Status)
	}
	want := `Doubao API Error: {"error":{"code":"AuthenticationError"}}`
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
	if !err.IsUpstream() {
		t.Fatal("expected upstream family")
	}
}

func TestTimeoutIsUpstreamFamily(t *testing.T) {
	err := Classify(context.DeadlineExceeded)
	if err.Kind != KindTimeout || !err.IsUpstream() {
		t.Fatalf("unexpected classification %+v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected wrapped deadline error")
	}
}
