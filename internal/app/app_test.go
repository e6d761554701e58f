package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/hitoshi/japinait/internal/config"
	"github.com/hitoshi/japinait/internal/mail"
	"github.com/hitoshi/japinait/internal/model"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.SiteURL != "http://localhost:3000" {
		t.Errorf("SiteURL = %q", cfg.SiteURL)
	}

	// Verify that slog global logger is configured for JSON output
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("SITE_URL", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestNewMailer_FallsBackToLog(t *testing.T) {
	if _, ok := newMailer(&config.Config{}).(mail.LogMailer); !ok {
		t.Error("expected LogMailer without API key")
	}
	if _, ok := newMailer(&config.Config{SendGridAPIKey: "SG.x", MailFrom: "no-reply@example.com"}).(*mail.SendGridMailer); !ok {
		t.Error("expected SendGridMailer with API key")
	}
}

func TestNewEventBus_LocalHub(t *testing.T) {
	hub, publisher, closeFn, err := newEventBus(&config.Config{})
	if err != nil {
		t.Fatalf("newEventBus() error = %v", err)
	}
	defer closeFn()

	ch, cancel := hub.Subscribe("user-1")
	defer cancel()

	if err := publisher.Publish(context.Background(), model.SessionEvent{UserID: "user-1", Type: model.EventSignedOut}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ev := <-ch; ev.Type != model.EventSignedOut {
		t.Errorf("event = %+v", ev)
	}
}

func TestNewEventBus_UnreachableNATS(t *testing.T) {
	if _, _, _, err := newEventBus(&config.Config{NATSURL: "nats://127.0.0.1:1"}); err == nil {
		t.Fatal("expected error for unreachable NATS")
	}
}

func TestNewObjectStore_DisabledWithoutCredentials(t *testing.T) {
	store, err := newObjectStore(context.Background(), &config.Config{})
	if err != nil {
		t.Fatalf("newObjectStore() error = %v", err)
	}
	if store != nil {
		t.Error("expected nil store when S3 is not configured")
	}
}

func TestRunHealthcheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	_, port, _ := net.SplitHostPort(u.Host)
	if err := runHealthcheck(port); err != nil {
		t.Errorf("runHealthcheck() error = %v", err)
	}
}

func TestRunHealthcheck_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	_, port, _ := net.SplitHostPort(u.Host)
	if err := runHealthcheck(port); err == nil {
		t.Error("expected error for 503")
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	got := maskDatabaseURL("postgres://user:secret@db:5432/japinait")
	if got != "postgres://u***@..." {
		t.Errorf("maskDatabaseURL() = %q", got)
	}
	if maskDatabaseURL("short") != "***" {
		t.Error("short URL should be fully masked")
	}
}
