package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dunamismax/cardscan/internal/api"
	"github.com/dunamismax/cardscan/internal/config"
	"github.com/rs/zerolog"
)

func TestNewAppServesWorkspace(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Gate.Password = "letmein"
	cfg.Queue.Enabled = false
	cfg.RateLimit.Enabled = false

	app, controller, closeApp, err := newApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer closeApp()

	if controller.Limit() != cfg.Batch.Limit {
		t.Fatalf("expected batch limit %d, got %d", cfg.Batch.Limit, controller.Limit())
	}

	handler := app.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set(api.AccessPasswordHeader, "letmein")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list jobs: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewAppRejectsUnknownPolicy(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Batch.Policy = "always"

	if _, _, _, err := newApp(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected an error for an unknown rerun policy")
	}
}
